package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/memex-vstore/internal/codec"
	"github.com/systemshift/memex-vstore/internal/logic"
	"github.com/systemshift/memex-vstore/internal/persist"
)

// ImportOptions configures Import.
type ImportOptions struct {
	Path              string
	EraseBeforeImport bool
	// Sequence, when set, is raised past every imported commit so that
	// commits made afterwards keep repository-wide ordering.
	Sequence *logic.RepositorySequence
	Logger   *slog.Logger
}

// ImportResult summarizes an import.
type ImportResult struct {
	Manifest        *Manifest
	Commits         int
	Objects         int
	NamedReferences int
	Duration        time.Duration
}

// bundleContents is a fully validated bundle held in memory.
type bundleContents struct {
	manifest *Manifest
	objs     []persist.Obj
	commits  int
	refs     []persist.Reference
}

// Import loads the bundle at opts.Path into p. The bundle is validated
// completely before p is touched; a repository that already holds
// references or objects is only replaced when EraseBeforeImport is set.
func Import(ctx context.Context, p persist.Persist, opts ImportOptions) (*ImportResult, error) {
	start := time.Now()
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("import path is required")
	}

	fsys, closer, err := openBundle(opts.Path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	contents, err := readBundle(fsys)
	if err != nil {
		return nil, err
	}
	m := contents.manifest
	logger.Info("export bundle validated",
		"bundle", m.BundleID,
		"producer", m.Producer,
		"created_at", m.CreatedAt,
		"commits", m.Commits,
		"commit_files", len(m.CommitFiles),
		"references", m.NamedReferences,
		"reference_files", len(m.ReferenceFiles),
	)

	empty, err := isEmpty(ctx, p)
	if err != nil {
		return nil, err
	}
	if !empty {
		if !opts.EraseBeforeImport {
			return nil, ErrRepositoryNotEmpty
		}
		logger.Info("erasing repository", "backend", p.Name(), "repository", p.Config().RepositoryID)
		if err := p.Erase(ctx); err != nil {
			return nil, fmt.Errorf("erase repository: %w", err)
		}
	}

	logger.Info("importing repository", "backend", p.Name(), "repository", p.Config().RepositoryID)
	for _, obj := range contents.objs {
		if _, err := p.StoreObj(ctx, obj, true); err != nil {
			return nil, fmt.Errorf("store %s %s: %w", obj.Type(), obj.ID(), err)
		}
		if c, ok := obj.(*persist.CommitObj); ok && opts.Sequence != nil {
			opts.Sequence.Observe(c.Seq)
		}
	}
	for _, ref := range contents.refs {
		if _, err := p.AddReference(ctx, ref); err != nil {
			return nil, fmt.Errorf("add reference %s: %w", ref.Name, err)
		}
	}

	_, err = logic.UpdateRepositoryDescription(ctx, p, func(d *logic.RepositoryDescription) {
		if d.DefaultBranch == "" {
			d.DefaultBranch = m.DefaultBranch
		}
		if d.Properties == nil {
			d.Properties = make(map[string]string)
		}
		d.Properties[logic.PropImportBundleID] = m.BundleID
		d.Properties[logic.PropImportedFrom] = opts.Path
		d.Properties[logic.PropImportedAt] = now(p).Format(time.RFC3339)
	})
	if err != nil {
		return nil, fmt.Errorf("finalize import: %w", err)
	}

	res := &ImportResult{
		Manifest:        m,
		Commits:         contents.commits,
		Objects:         len(contents.objs),
		NamedReferences: len(contents.refs),
		Duration:        time.Since(start),
	}
	logger.Info("import finished",
		"commits", res.Commits,
		"objects", res.Objects,
		"references", res.NamedReferences,
		"duration", res.Duration,
	)
	return res, nil
}

// isEmpty reports whether p holds no references and no objects.
func isEmpty(ctx context.Context, p persist.Persist) (bool, error) {
	refs, err := p.ListReferences(ctx, "")
	if err != nil {
		return false, fmt.Errorf("list references: %w", err)
	}
	if len(refs) > 0 {
		return false, nil
	}
	it, err := p.ScanAllObjects(ctx)
	if err != nil {
		return false, fmt.Errorf("scan objects: %w", err)
	}
	defer it.Close()
	if it.Next() {
		return false, nil
	}
	return true, it.Err()
}

func readBundle(fsys fs.FS) (*bundleContents, error) {
	data, err := fs.ReadFile(fsys, ManifestName)
	if err != nil {
		return nil, invalidf("read %s: %v", ManifestName, err)
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}
	out := &bundleContents{manifest: m}

	exported := map[persist.ObjID]bool{persist.EmptyObjID: true}
	for _, f := range m.CommitFiles {
		err := readRecords(fsys, f, m.Compression, func(dec *codec.Decoder) error {
			var rec commitRecord
			if err := dec.Decode(&rec); err != nil {
				return err
			}
			obj, err := decodeObj(rec)
			if err != nil {
				return err
			}
			out.objs = append(out.objs, obj)
			if obj.Type() == persist.ObjCommit {
				out.commits++
				exported[obj.ID()] = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	// Parents come before children, so every parent is known by now.
	for _, obj := range out.objs {
		if c, ok := obj.(*persist.CommitObj); ok && !exported[c.Parent] {
			return nil, invalidf("commit %s: parent %s not in bundle", c.ID(), c.Parent)
		}
	}

	names := make(map[string]bool)
	for _, f := range m.ReferenceFiles {
		err := readRecords(fsys, f, m.Compression, func(dec *codec.Decoder) error {
			var rec refRecord
			if err := dec.Decode(&rec); err != nil {
				return err
			}
			ref, err := decodeRef(rec, exported)
			if err != nil {
				return err
			}
			if names[ref.Name] {
				return fmt.Errorf("reference %s listed twice", ref.Name)
			}
			names[ref.Name] = true
			out.refs = append(out.refs, ref)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if out.commits != m.Commits || len(out.refs) != m.NamedReferences {
		return nil, invalidf("manifest lists %d commits and %d references, files hold %d and %d",
			m.Commits, m.NamedReferences, out.commits, len(out.refs))
	}
	return out, nil
}

// readRecords verifies f's digest and feeds its decompressed records to
// fn one at a time.
func readRecords(fsys fs.FS, f FileEntry, c Compression, fn func(*codec.Decoder) error) error {
	if f.Name == "" || strings.ContainsAny(f.Name, `/\`) {
		return invalidf("bad file name %q", f.Name)
	}
	data, err := fs.ReadFile(fsys, f.Name)
	if err != nil {
		return invalidf("read %s: %v", f.Name, err)
	}
	if int64(len(data)) != f.Size || digest(data) != f.BLAKE3 {
		return invalidf("%s: digest mismatch", f.Name)
	}
	raw, err := decompress(data, c)
	if err != nil {
		return invalidf("%s: %v", f.Name, err)
	}
	dec := codec.NewDecoder(bytes.NewReader(raw))
	n := 0
	for {
		err := fn(dec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return invalidf("%s record %d: %v", f.Name, n, err)
		}
		n++
	}
	if n != f.Records {
		return invalidf("%s: holds %d records, manifest says %d", f.Name, n, f.Records)
	}
	return nil
}

func decodeObj(rec commitRecord) (persist.Obj, error) {
	c, err := gocid.Cast(rec.CID)
	if err != nil {
		return nil, fmt.Errorf("bad cid: %w", err)
	}
	id := persist.ObjIDFromCID(c)
	if persist.HashObjID(rec.Data) != id {
		return nil, fmt.Errorf("object %s: content does not match its cid", id)
	}
	return persist.Deserialize(id, rec.Data)
}

func decodeRef(rec refRecord, commits map[persist.ObjID]bool) (persist.Reference, error) {
	if rec.Name == "" {
		return persist.Reference{}, fmt.Errorf("reference without name")
	}
	pointer, err := persist.ObjIDFromBytes(rec.Pointer)
	if err != nil {
		return persist.Reference{}, fmt.Errorf("reference %s: %w", rec.Name, err)
	}
	if !commits[pointer] {
		return persist.Reference{}, fmt.Errorf("reference %s: target %s not in bundle", rec.Name, pointer)
	}
	return persist.Reference{Name: rec.Name, Pointer: pointer, CreatedAt: rec.CreatedAt}, nil
}
