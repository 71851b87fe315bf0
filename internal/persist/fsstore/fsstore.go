// Package fsstore is the document backend: one file per object and one per
// reference, written atomically.
//
// Layout under the root directory:
//
//	repo-<base32 repository id>/
//	    objects/<object id>        serialized object bytes
//	    refs/<base32 ref name>     CBOR-encoded reference
//
// Names whose base32 form would exceed maxFileName are stored under
// "h-" plus the base32 SHA2-256 multihash of the name instead. The
// reference record carries the full name, so listing reads it from there.
//
// Object inserts and reference creation use hard links and are safe across
// processes. Pointer updates are a read-check-rename under an in-process
// lock stripe, so concurrent writers must share one Backend.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"

	"github.com/systemshift/memex-vstore/internal/persist"
	"github.com/systemshift/memex-vstore/internal/safefile"
)

const backendName = "fs"

// Backend owns a root directory holding any number of repositories.
type Backend struct {
	dir   string
	locks *persist.LockTable
}

// Open creates the root directory if needed.
func Open(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Backend{dir: dir, locks: persist.NewLockTable(0)}, nil
}

// Close releases nothing; files are opened per operation.
func (b *Backend) Close() error { return nil }

// CreatePersist returns the store of one repository, creating its
// directories.
func (b *Backend) CreatePersist(cfg persist.Config) (*Persist, error) {
	root := filepath.Join(b.dir, "repo-"+encodeName(cfg.RepositoryID))
	p := &Persist{
		b:       b,
		cfg:     cfg.WithDefaults(),
		root:    root,
		objsDir: filepath.Join(root, "objects"),
		refsDir: filepath.Join(root, "refs"),
	}
	if err := p.ensureDirs(); err != nil {
		return nil, err
	}
	return p, nil
}

// maxFileName stays below NAME_MAX (255) on common filesystems.
const maxFileName = 200

func encodeName(s string) string {
	encoded, _ := multibase.Encode(multibase.Base32, []byte(s))
	if len(encoded) <= maxFileName {
		return encoded
	}
	mh, _ := multihash.Sum([]byte(s), multihash.SHA2_256, -1)
	hashed, _ := multibase.Encode(multibase.Base32, mh)
	return "h-" + hashed
}

// Persist implements persist.Persist over one repository directory.
type Persist struct {
	b       *Backend
	cfg     persist.Config
	root    string
	objsDir string
	refsDir string
}

var _ persist.Persist = (*Persist)(nil)

func (p *Persist) Name() string           { return backendName }
func (p *Persist) Config() persist.Config { return p.cfg }

func (p *Persist) ensureDirs() error {
	for _, d := range []string{p.objsDir, p.refsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return persist.WrapBackend(backendName, "mkdir", err)
		}
	}
	return nil
}

func (p *Persist) refPath(name string) string      { return filepath.Join(p.refsDir, encodeName(name)) }
func (p *Persist) objPath(id persist.ObjID) string { return filepath.Join(p.objsDir, id.String()) }

func (p *Persist) lockRef(name string) func() {
	return p.b.locks.Lock(persist.RefLockKey(p.root + "\x00" + name))
}

func (p *Persist) readRef(name string) (*persist.Reference, error) {
	data, err := os.ReadFile(p.refPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, persist.WrapBackend(backendName, "read ref", err)
	}
	ref, err := persist.DeserializeReference(data)
	if err != nil {
		return nil, persist.WrapBackend(backendName, "read ref", err)
	}
	if ref.Name != name {
		return nil, persist.WrapBackend(backendName, "read ref",
			fmt.Errorf("file for %q holds reference %q", name, ref.Name))
	}
	return ref, nil
}

func (p *Persist) writeRef(ref persist.Reference) error {
	data, err := persist.SerializeReference(ref)
	if err != nil {
		return err
	}
	if err := safefile.Write(p.refPath(ref.Name), data, 0644); err != nil {
		return persist.WrapBackend(backendName, "write ref", err)
	}
	return nil
}

func (p *Persist) FetchReference(ctx context.Context, name string) (*persist.Reference, error) {
	return p.readRef(name)
}

func (p *Persist) FetchReferences(ctx context.Context, names []string) ([]*persist.Reference, error) {
	out := make([]*persist.Reference, len(names))
	for i, name := range names {
		if name == "" {
			continue
		}
		ref, err := p.readRef(name)
		if err != nil {
			return nil, err
		}
		out[i] = ref
	}
	return out, nil
}

func (p *Persist) ListReferences(ctx context.Context, prefix string) ([]persist.Reference, error) {
	entries, err := os.ReadDir(p.refsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, persist.WrapBackend(backendName, "list refs", err)
	}
	var out []persist.Reference
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.refsDir, e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, persist.WrapBackend(backendName, "list refs", err)
		}
		ref, err := persist.DeserializeReference(data)
		if err != nil {
			return nil, persist.WrapBackend(backendName, "list refs", err)
		}
		if strings.HasPrefix(ref.Name, prefix) {
			out = append(out, *ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Persist) AddReference(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	if err := persist.ValidateNewReference(ref); err != nil {
		return persist.Reference{}, err
	}
	data, err := persist.SerializeReference(ref)
	if err != nil {
		return persist.Reference{}, err
	}
	defer p.lockRef(ref.Name)()
	created, err := safefile.Create(p.refPath(ref.Name), data, 0644)
	if err != nil {
		return persist.Reference{}, persist.WrapBackend(backendName, "add ref", err)
	}
	if !created {
		existing, err := p.readRef(ref.Name)
		if err != nil {
			return persist.Reference{}, err
		}
		if existing == nil {
			// Purged between the link attempt and the read.
			return persist.Reference{}, persist.WrapBackend(backendName, "add ref", fmt.Errorf("reference %s vanished", ref.Name))
		}
		return persist.Reference{}, &persist.RefAlreadyExistsError{Existing: *existing}
	}
	return ref, nil
}

func (p *Persist) UpdateReferencePointer(ctx context.Context, ref persist.Reference, newPointer persist.ObjID) (persist.Reference, error) {
	defer p.lockRef(ref.Name)()
	current, err := p.readRef(ref.Name)
	if err != nil {
		return persist.Reference{}, err
	}
	if err := persist.CheckReference(ref, current, false); err != nil {
		return persist.Reference{}, err
	}
	updated := *current
	updated.Pointer = newPointer
	if err := p.writeRef(updated); err != nil {
		return persist.Reference{}, err
	}
	return updated, nil
}

func (p *Persist) MarkReferenceAsDeleted(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	defer p.lockRef(ref.Name)()
	current, err := p.readRef(ref.Name)
	if err != nil {
		return persist.Reference{}, err
	}
	if err := persist.CheckReference(ref, current, false); err != nil {
		return persist.Reference{}, err
	}
	deleted := *current
	deleted.Deleted = true
	if err := p.writeRef(deleted); err != nil {
		return persist.Reference{}, err
	}
	return deleted, nil
}

func (p *Persist) PurgeReference(ctx context.Context, ref persist.Reference) error {
	defer p.lockRef(ref.Name)()
	current, err := p.readRef(ref.Name)
	if err != nil {
		return err
	}
	if err := persist.CheckReference(ref, current, true); err != nil {
		return err
	}
	if err := os.Remove(p.refPath(ref.Name)); err != nil {
		return persist.WrapBackend(backendName, "purge ref", err)
	}
	return nil
}

func (p *Persist) lookupObj(id persist.ObjID) ([]byte, error) {
	data, err := os.ReadFile(p.objPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, persist.WrapBackend(backendName, "read object", err)
	}
	return data, nil
}

func (p *Persist) FetchObj(ctx context.Context, id persist.ObjID) (persist.Obj, error) {
	return persist.FetchOne(id, p.lookupObj)
}

func (p *Persist) FetchObjType(ctx context.Context, id persist.ObjID) (persist.ObjType, error) {
	data, err := p.lookupObj(id)
	if err != nil {
		return 0, err
	}
	typ, ok := persist.PeekType(data)
	if !ok {
		return 0, &persist.ObjNotFoundError{IDs: []persist.ObjID{id}}
	}
	return typ, nil
}

func (p *Persist) FetchTypedObj(ctx context.Context, id persist.ObjID, typ persist.ObjType) (persist.Obj, error) {
	data, err := p.lookupObj(id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, &persist.ObjNotFoundError{IDs: []persist.ObjID{id}}
	}
	return persist.DeserializeTyped(id, data, typ)
}

func (p *Persist) FetchObjs(ctx context.Context, ids []persist.ObjID) ([]persist.Obj, error) {
	return persist.CollectObjs(ids, p.lookupObj)
}

func (p *Persist) StoreObj(ctx context.Context, obj persist.Obj, ignoreSoftSizeRestrictions bool) (bool, error) {
	data, err := p.cfg.Encode(obj, ignoreSoftSizeRestrictions)
	if err != nil {
		return false, err
	}
	created, err := safefile.Create(p.objPath(obj.ID()), data, 0644)
	if err != nil {
		return false, persist.WrapBackend(backendName, "store object", err)
	}
	return created, nil
}

func (p *Persist) StoreObjs(ctx context.Context, objs []persist.Obj) ([]bool, error) {
	out := make([]bool, len(objs))
	for i, obj := range objs {
		if obj == nil {
			continue
		}
		stored, err := p.StoreObj(ctx, obj, false)
		if err != nil {
			return nil, err
		}
		out[i] = stored
	}
	return out, nil
}

func (p *Persist) UpsertObj(ctx context.Context, obj persist.Obj) error {
	data, err := p.cfg.Encode(obj, false)
	if err != nil {
		return err
	}
	if err := safefile.Write(p.objPath(obj.ID()), data, 0644); err != nil {
		return persist.WrapBackend(backendName, "upsert object", err)
	}
	return nil
}

func (p *Persist) UpsertObjs(ctx context.Context, objs []persist.Obj) error {
	for _, obj := range objs {
		if obj == nil {
			continue
		}
		if err := p.UpsertObj(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}

func (p *Persist) DeleteObj(ctx context.Context, id persist.ObjID) error {
	err := os.Remove(p.objPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return persist.WrapBackend(backendName, "delete object", err)
	}
	return nil
}

func (p *Persist) DeleteObjs(ctx context.Context, ids []persist.ObjID) error {
	for _, id := range ids {
		if err := p.DeleteObj(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Erase removes the repository directory and recreates it empty.
func (p *Persist) Erase(ctx context.Context) error {
	if err := os.RemoveAll(p.root); err != nil {
		return persist.WrapBackend(backendName, "erase", err)
	}
	return p.ensureDirs()
}

// ScanAllObjects lists the object directory once and reads each file as
// the iterator reaches it. Files deleted after the listing are skipped.
func (p *Persist) ScanAllObjects(ctx context.Context, types ...persist.ObjType) (persist.ObjIterator, error) {
	entries, err := os.ReadDir(p.objsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, persist.WrapBackend(backendName, "scan", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return persist.NewObjIterator(&dirCursor{p: p, names: names}, types), nil
}

type dirCursor struct {
	p     *Persist
	names []string
	id    persist.ObjID
	data  []byte
	err   error
}

func (c *dirCursor) Next() bool {
	for c.err == nil && len(c.names) > 0 {
		name := c.names[0]
		c.names = c.names[1:]
		id, err := persist.ParseObjID(name)
		if err != nil {
			continue
		}
		data, err := c.p.lookupObj(id)
		if err != nil {
			c.err = err
			return false
		}
		if data == nil {
			continue
		}
		c.id, c.data = id, data
		return true
	}
	return false
}

func (c *dirCursor) ID() persist.ObjID { return c.id }
func (c *dirCursor) Data() []byte      { return c.data }
func (c *dirCursor) Err() error        { return c.err }
func (c *dirCursor) Close() error      { return nil }
