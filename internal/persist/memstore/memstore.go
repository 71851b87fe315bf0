// Package memstore is the in-memory backend. State is shared by every
// Persist created from the same Backend and lives only as long as the
// process.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/systemshift/memex-vstore/internal/persist"
)

const backendName = "memory"

// Backend holds the data of any number of repositories.
type Backend struct {
	mu    sync.RWMutex
	refs  map[string]persist.Reference // repo + "\x00" + name
	objs  map[string][]byte            // repo + "\x00" + raw id
	locks *persist.LockTable
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		refs:  make(map[string]persist.Reference),
		objs:  make(map[string][]byte),
		locks: persist.NewLockTable(0),
	}
}

// CreatePersist returns the store of one repository.
func (b *Backend) CreatePersist(cfg persist.Config) *Persist {
	return &Persist{b: b, cfg: cfg.WithDefaults(), prefix: cfg.RepositoryID + "\x00"}
}

// Close releases nothing; it exists for symmetry with the other backends.
func (b *Backend) Close() error { return nil }

// Persist implements persist.Persist on top of a Backend.
type Persist struct {
	b      *Backend
	cfg    persist.Config
	prefix string
}

var _ persist.Persist = (*Persist)(nil)

func (p *Persist) Name() string           { return backendName }
func (p *Persist) Config() persist.Config { return p.cfg }

func (p *Persist) refKey(name string) string      { return p.prefix + name }
func (p *Persist) objKey(id persist.ObjID) string { return p.prefix + string(id.Bytes()) }

func (p *Persist) lockRef(name string) func() {
	return p.b.locks.Lock(persist.RefLockKey(p.prefix + name))
}

func (p *Persist) lookupRef(name string) *persist.Reference {
	p.b.mu.RLock()
	defer p.b.mu.RUnlock()
	ref, ok := p.b.refs[p.refKey(name)]
	if !ok {
		return nil
	}
	return &ref
}

func (p *Persist) FetchReference(ctx context.Context, name string) (*persist.Reference, error) {
	return p.lookupRef(name), nil
}

func (p *Persist) FetchReferences(ctx context.Context, names []string) ([]*persist.Reference, error) {
	out := make([]*persist.Reference, len(names))
	for i, name := range names {
		if name != "" {
			out[i] = p.lookupRef(name)
		}
	}
	return out, nil
}

func (p *Persist) ListReferences(ctx context.Context, prefix string) ([]persist.Reference, error) {
	p.b.mu.RLock()
	defer p.b.mu.RUnlock()
	var out []persist.Reference
	for k, ref := range p.b.refs {
		if strings.HasPrefix(k, p.prefix) && strings.HasPrefix(ref.Name, prefix) {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Persist) AddReference(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	if err := persist.ValidateNewReference(ref); err != nil {
		return persist.Reference{}, err
	}
	defer p.lockRef(ref.Name)()
	if existing := p.lookupRef(ref.Name); existing != nil {
		return persist.Reference{}, &persist.RefAlreadyExistsError{Existing: *existing}
	}
	p.putRef(ref)
	return ref, nil
}

func (p *Persist) UpdateReferencePointer(ctx context.Context, ref persist.Reference, newPointer persist.ObjID) (persist.Reference, error) {
	defer p.lockRef(ref.Name)()
	current := p.lookupRef(ref.Name)
	if err := persist.CheckReference(ref, current, false); err != nil {
		return persist.Reference{}, err
	}
	updated := *current
	updated.Pointer = newPointer
	p.putRef(updated)
	return updated, nil
}

func (p *Persist) MarkReferenceAsDeleted(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	defer p.lockRef(ref.Name)()
	current := p.lookupRef(ref.Name)
	if err := persist.CheckReference(ref, current, false); err != nil {
		return persist.Reference{}, err
	}
	deleted := *current
	deleted.Deleted = true
	p.putRef(deleted)
	return deleted, nil
}

func (p *Persist) PurgeReference(ctx context.Context, ref persist.Reference) error {
	defer p.lockRef(ref.Name)()
	if err := persist.CheckReference(ref, p.lookupRef(ref.Name), true); err != nil {
		return err
	}
	p.b.mu.Lock()
	delete(p.b.refs, p.refKey(ref.Name))
	p.b.mu.Unlock()
	return nil
}

func (p *Persist) putRef(ref persist.Reference) {
	p.b.mu.Lock()
	p.b.refs[p.refKey(ref.Name)] = ref
	p.b.mu.Unlock()
}

func (p *Persist) lookupObj(id persist.ObjID) ([]byte, error) {
	p.b.mu.RLock()
	defer p.b.mu.RUnlock()
	return p.b.objs[p.objKey(id)], nil
}

func (p *Persist) FetchObj(ctx context.Context, id persist.ObjID) (persist.Obj, error) {
	return persist.FetchOne(id, p.lookupObj)
}

func (p *Persist) FetchObjType(ctx context.Context, id persist.ObjID) (persist.ObjType, error) {
	data, _ := p.lookupObj(id)
	typ, ok := persist.PeekType(data)
	if !ok {
		return 0, &persist.ObjNotFoundError{IDs: []persist.ObjID{id}}
	}
	return typ, nil
}

func (p *Persist) FetchTypedObj(ctx context.Context, id persist.ObjID, typ persist.ObjType) (persist.Obj, error) {
	data, _ := p.lookupObj(id)
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
	key := p.objKey(obj.ID())
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if _, ok := p.b.objs[key]; ok {
		return false, nil
	}
	p.b.objs[key] = data
	return true, nil
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
	p.b.mu.Lock()
	p.b.objs[p.objKey(obj.ID())] = data
	p.b.mu.Unlock()
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
	p.b.mu.Lock()
	delete(p.b.objs, p.objKey(id))
	p.b.mu.Unlock()
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

func (p *Persist) Erase(ctx context.Context) error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	for k := range p.b.refs {
		if strings.HasPrefix(k, p.prefix) {
			delete(p.b.refs, k)
		}
	}
	for k := range p.b.objs {
		if strings.HasPrefix(k, p.prefix) {
			delete(p.b.objs, k)
		}
	}
	return nil
}

// ScanAllObjects iterates a snapshot taken at call time, ordered by id.
func (p *Persist) ScanAllObjects(ctx context.Context, types ...persist.ObjType) (persist.ObjIterator, error) {
	p.b.mu.RLock()
	var raw []persist.RawObj
	for k, data := range p.b.objs {
		if !strings.HasPrefix(k, p.prefix) {
			continue
		}
		id, err := persist.ObjIDFromBytes([]byte(k[len(p.prefix):]))
		if err != nil {
			p.b.mu.RUnlock()
			return nil, persist.WrapBackend(backendName, "scan", err)
		}
		raw = append(raw, persist.RawObj{ID: id, Data: data})
	}
	p.b.mu.RUnlock()
	sort.Slice(raw, func(i, j int) bool { return raw[i].ID.Compare(raw[j].ID) < 0 })
	return persist.NewObjIterator(persist.NewSliceCursor(raw), types), nil
}
