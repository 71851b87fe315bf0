package transfer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/systemshift/memex-vstore/internal/clock"
	"github.com/systemshift/memex-vstore/internal/logic"
	"github.com/systemshift/memex-vstore/internal/persist"
)

// DefaultMaxFileSize bounds the uncompressed size of one batch file.
const DefaultMaxFileSize = 32 << 20

// ExportOptions configures Export.
type ExportOptions struct {
	Path        string
	Format      Format
	MaxFileSize int64
	Compression Compression
	// Producer is recorded in the manifest, e.g. "memex-vstore v0.3.0".
	Producer string
	Logger   *slog.Logger
}

// ExportResult summarizes an export.
type ExportResult struct {
	Manifest        *Manifest
	Commits         int
	CommitFiles     int
	Objects         int
	NamedReferences int
	ReferenceFiles  int
}

// Export writes every commit with its dependent objects and every live
// named reference of p into a new bundle at opts.Path.
func Export(ctx context.Context, p persist.Persist, opts ExportOptions) (*ExportResult, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("export path is required")
	}
	if opts.Format == "" {
		opts.Format = FormatZip
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Compression == "" {
		opts.Compression = CompressionZstd
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var bw bundleWriter
	var err error
	switch opts.Format {
	case FormatZip:
		bw, err = newZipWriter(opts.Path)
	case FormatDirectory:
		bw, err = newDirWriter(opts.Path)
	default:
		_, err = ParseFormat(string(opts.Format))
	}
	if err != nil {
		return nil, err
	}

	res, err := export(ctx, p, bw, opts, logger)
	if err != nil {
		bw.abort()
		return nil, err
	}
	return res, nil
}

func export(ctx context.Context, p persist.Persist, bw bundleWriter, opts ExportOptions, logger *slog.Logger) (*ExportResult, error) {
	commits, err := scanCommits(ctx, p)
	if err != nil {
		return nil, err
	}
	logger.Info("exporting repository",
		"backend", p.Name(),
		"repository", p.Config().RepositoryID,
		"commits", len(commits),
	)

	cw := newBatchWriter(bw, "commits", opts.Compression, opts.MaxFileSize)
	seen := make(map[persist.ObjID]bool)
	objects := 0
	writeObj := func(obj persist.Obj) error {
		if seen[obj.ID()] {
			return nil
		}
		seen[obj.ID()] = true
		data, err := persist.Serialize(obj, persist.NoLimit, persist.NoLimit)
		if err != nil {
			return err
		}
		objects++
		return cw.write(commitRecord{CID: obj.ID().CID().Bytes(), Data: data})
	}
	for _, c := range commits {
		deps, err := dependents(ctx, p, c, seen, logger)
		if err != nil {
			return nil, err
		}
		for _, obj := range deps {
			if err := writeObj(obj); err != nil {
				return nil, err
			}
		}
		if err := writeObj(c); err != nil {
			return nil, err
		}
	}
	if err := cw.finish(); err != nil {
		return nil, err
	}

	refs, err := logic.NewReferenceLogic(p).ListReferences(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	rw := newBatchWriter(bw, "refs", opts.Compression, opts.MaxFileSize)
	for _, ref := range refs {
		err := rw.write(refRecord{Name: ref.Name, Pointer: ref.Pointer.Bytes(), CreatedAt: ref.CreatedAt})
		if err != nil {
			return nil, err
		}
	}
	if err := rw.finish(); err != nil {
		return nil, err
	}

	desc, err := logic.FetchRepositoryDescription(ctx, p)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		FormatVersion:   FormatVersion,
		Producer:        opts.Producer,
		BundleID:        uuid.NewString(),
		CreatedAt:       now(p),
		RepositoryID:    p.Config().RepositoryID,
		Compression:     opts.Compression,
		Commits:         len(commits),
		Objects:         objects,
		NamedReferences: len(refs),
		CommitFiles:     cw.files,
		ReferenceFiles:  rw.files,
	}
	if desc != nil {
		m.DefaultBranch = desc.DefaultBranch
	}
	data, err := encodeManifest(m)
	if err != nil {
		return nil, err
	}
	if err := bw.commit(data); err != nil {
		return nil, err
	}

	logger.Info("export finished",
		"bundle", m.BundleID,
		"commits", m.Commits,
		"commit_files", len(m.CommitFiles),
		"references", m.NamedReferences,
		"reference_files", len(m.ReferenceFiles),
	)
	return &ExportResult{
		Manifest:        m,
		Commits:         m.Commits,
		CommitFiles:     len(m.CommitFiles),
		Objects:         objects,
		NamedReferences: m.NamedReferences,
		ReferenceFiles:  len(m.ReferenceFiles),
	}, nil
}

// scanCommits returns every commit ordered by sequence number, so that
// parents precede their children.
func scanCommits(ctx context.Context, p persist.Persist) ([]*persist.CommitObj, error) {
	it, err := p.ScanAllObjects(ctx, persist.ObjCommit)
	if err != nil {
		return nil, fmt.Errorf("scan commits: %w", err)
	}
	defer it.Close()
	var commits []*persist.CommitObj
	for it.Next() {
		commits = append(commits, it.Obj().(*persist.CommitObj))
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scan commits: %w", err)
	}
	slices.SortFunc(commits, func(a, b *persist.CommitObj) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		return a.ID().Compare(b.ID())
	})
	return commits, nil
}

// dependents returns the index segments of c and the stored values its
// delta adds, skipping ids already in seen. Values that are not stored in
// this repository are left out.
func dependents(ctx context.Context, p persist.Persist, c *persist.CommitObj, seen map[persist.ObjID]bool, logger *slog.Logger) ([]persist.Obj, error) {
	var deps []persist.Obj
	entries := c.Index
	for _, stripe := range c.Stripes {
		if seen[stripe.Segment] {
			continue
		}
		obj, err := p.FetchTypedObj(ctx, stripe.Segment, persist.ObjIndexSegment)
		if err != nil {
			return nil, fmt.Errorf("commit %s: index segment: %w", c.ID(), err)
		}
		deps = append(deps, obj)
		entries = append(slices.Clip(entries), obj.(*persist.IndexSegmentObj).Entries...)
	}
	for _, e := range entries {
		if e.Action != persist.ActionAdd || e.Value.IsZero() || seen[e.Value] {
			continue
		}
		obj, err := p.FetchObj(ctx, e.Value)
		if errors.Is(err, persist.ErrNotFound) {
			logger.Debug("value not stored, skipping", "commit", c.ID(), "key", e.Key, "value", e.Value)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("commit %s: value of %s: %w", c.ID(), e.Key, err)
		}
		deps = append(deps, obj)
	}
	return deps, nil
}

func now(p persist.Persist) time.Time {
	if clk := p.Config().Clock; clk != nil {
		return clk.Now().UTC()
	}
	return clock.Real().Now().UTC()
}
