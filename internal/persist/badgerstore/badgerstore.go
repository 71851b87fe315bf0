// Package badgerstore is the embedded key-value backend on Badger.
//
// Keys are <repository id> 0x00 <kind> 0x00 <suffix>, kind being 'o' for
// objects (suffix: raw object id) and 'r' for references (suffix: name).
// Badger holds an exclusive lock on its directory, so reference CAS only
// has to be atomic within this process: each mutation runs one Badger
// update transaction under the reference's lock stripe.
package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/systemshift/memex-vstore/internal/persist"
)

const backendName = "badger"

const defaultValueLogFileSize = 128 * 1024 * 1024 // 128MB

type options struct {
	inMemory         bool
	valueLogFileSize int64
}

// Option customizes how Badger is opened.
type Option func(*options) error

// InMemory keeps all data in memory; the directory argument is ignored.
func InMemory() Option {
	return func(o *options) error {
		o.inMemory = true
		return nil
	}
}

// WithValueLogFileSize sets max bytes per value log (vlog) file.
func WithValueLogFileSize(size int64) Option {
	return func(o *options) error {
		if size <= 0 {
			return fmt.Errorf("badger value log file size must be > 0, got %d", size)
		}
		o.valueLogFileSize = size
		return nil
	}
}

// Backend wraps one Badger database holding any number of repositories.
type Backend struct {
	db    *badger.DB
	locks *persist.LockTable
}

// Open opens (or creates) the database at dir.
func Open(dir string, opts ...Option) (*Backend, error) {
	o := options{valueLogFileSize: defaultValueLogFileSize}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	bopts := badger.DefaultOptions(dir)
	if o.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = bopts.WithValueLogFileSize(o.valueLogFileSize)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Backend{db: db, locks: persist.NewLockTable(0)}, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// CreatePersist returns the store of one repository.
func (b *Backend) CreatePersist(cfg persist.Config) *Persist {
	repo := append([]byte(cfg.RepositoryID), 0)
	return &Persist{
		b:         b,
		cfg:       cfg.WithDefaults(),
		repo:      repo,
		objPrefix: append(append([]byte{}, repo...), 'o', 0),
		refPrefix: append(append([]byte{}, repo...), 'r', 0),
	}
}

// Persist implements persist.Persist on top of a Backend.
type Persist struct {
	b         *Backend
	cfg       persist.Config
	repo      []byte
	objPrefix []byte
	refPrefix []byte
}

var _ persist.Persist = (*Persist)(nil)

func (p *Persist) Name() string           { return backendName }
func (p *Persist) Config() persist.Config { return p.cfg }

func (p *Persist) refKey(name string) []byte {
	return append(append([]byte{}, p.refPrefix...), name...)
}

func (p *Persist) objKey(id persist.ObjID) []byte {
	return append(append([]byte{}, p.objPrefix...), id.Bytes()...)
}

func (p *Persist) lockRef(name string) func() {
	return p.b.locks.Lock(persist.RefLockKey(string(p.repo) + name))
}

func wrap(op string, err error) error {
	return persist.WrapBackend(backendName, op, err)
}

func getRef(txn *badger.Txn, key []byte) (*persist.Reference, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return persist.DeserializeReference(data)
}

func setRef(txn *badger.Txn, key []byte, ref persist.Reference) error {
	data, err := persist.SerializeReference(ref)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (p *Persist) FetchReference(ctx context.Context, name string) (*persist.Reference, error) {
	var ref *persist.Reference
	err := p.b.db.View(func(txn *badger.Txn) error {
		var err error
		ref, err = getRef(txn, p.refKey(name))
		return err
	})
	if err != nil {
		return nil, wrap("fetch ref", err)
	}
	return ref, nil
}

func (p *Persist) FetchReferences(ctx context.Context, names []string) ([]*persist.Reference, error) {
	out := make([]*persist.Reference, len(names))
	err := p.b.db.View(func(txn *badger.Txn) error {
		for i, name := range names {
			if name == "" {
				continue
			}
			ref, err := getRef(txn, p.refKey(name))
			if err != nil {
				return err
			}
			out[i] = ref
		}
		return nil
	})
	if err != nil {
		return nil, wrap("fetch refs", err)
	}
	return out, nil
}

// ListReferences relies on Badger's byte-ordered keys, so results come
// back sorted by name.
func (p *Persist) ListReferences(ctx context.Context, prefix string) ([]persist.Reference, error) {
	var out []persist.Reference
	seek := p.refKey(prefix)
	err := p.b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(seek); it.ValidForPrefix(seek); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ref, err := persist.DeserializeReference(data)
			if err != nil {
				return err
			}
			out = append(out, *ref)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list refs", err)
	}
	return out, nil
}

// mutateRef runs fn on the current state of name inside one update
// transaction while holding the name's lock stripe.
func (p *Persist) mutateRef(op, name string, fn func(txn *badger.Txn, key []byte, current *persist.Reference) error) error {
	defer p.lockRef(name)()
	var domainErr error
	err := p.b.db.Update(func(txn *badger.Txn) error {
		key := p.refKey(name)
		current, err := getRef(txn, key)
		if err != nil {
			return err
		}
		if err := fn(txn, key, current); err != nil {
			domainErr = err
			return err
		}
		return nil
	})
	if domainErr != nil {
		return domainErr
	}
	return wrap(op, err)
}

func (p *Persist) AddReference(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	if err := persist.ValidateNewReference(ref); err != nil {
		return persist.Reference{}, err
	}
	err := p.mutateRef("add ref", ref.Name, func(txn *badger.Txn, key []byte, current *persist.Reference) error {
		if current != nil {
			return &persist.RefAlreadyExistsError{Existing: *current}
		}
		return setRef(txn, key, ref)
	})
	if err != nil {
		return persist.Reference{}, err
	}
	return ref, nil
}

func (p *Persist) UpdateReferencePointer(ctx context.Context, ref persist.Reference, newPointer persist.ObjID) (persist.Reference, error) {
	var updated persist.Reference
	err := p.mutateRef("update ref", ref.Name, func(txn *badger.Txn, key []byte, current *persist.Reference) error {
		if err := persist.CheckReference(ref, current, false); err != nil {
			return err
		}
		updated = *current
		updated.Pointer = newPointer
		return setRef(txn, key, updated)
	})
	if err != nil {
		return persist.Reference{}, err
	}
	return updated, nil
}

func (p *Persist) MarkReferenceAsDeleted(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	var deleted persist.Reference
	err := p.mutateRef("mark ref deleted", ref.Name, func(txn *badger.Txn, key []byte, current *persist.Reference) error {
		if err := persist.CheckReference(ref, current, false); err != nil {
			return err
		}
		deleted = *current
		deleted.Deleted = true
		return setRef(txn, key, deleted)
	})
	if err != nil {
		return persist.Reference{}, err
	}
	return deleted, nil
}

func (p *Persist) PurgeReference(ctx context.Context, ref persist.Reference) error {
	return p.mutateRef("purge ref", ref.Name, func(txn *badger.Txn, key []byte, current *persist.Reference) error {
		if err := persist.CheckReference(ref, current, true); err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (p *Persist) getObj(txn *badger.Txn, id persist.ObjID) ([]byte, error) {
	item, err := txn.Get(p.objKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (p *Persist) lookupObj(id persist.ObjID) ([]byte, error) {
	var data []byte
	err := p.b.db.View(func(txn *badger.Txn) error {
		var err error
		data, err = p.getObj(txn, id)
		return err
	})
	if err != nil {
		return nil, wrap("fetch object", err)
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

// FetchObjs reads every id from one snapshot.
func (p *Persist) FetchObjs(ctx context.Context, ids []persist.ObjID) ([]persist.Obj, error) {
	var objs []persist.Obj
	var collectErr error
	err := p.b.db.View(func(txn *badger.Txn) error {
		var lookupErr error
		objs, collectErr = persist.CollectObjs(ids, func(id persist.ObjID) ([]byte, error) {
			data, err := p.getObj(txn, id)
			if err != nil {
				lookupErr = err
			}
			return data, err
		})
		return lookupErr
	})
	if err != nil {
		return nil, wrap("fetch objects", err)
	}
	return objs, collectErr
}

func (p *Persist) StoreObj(ctx context.Context, obj persist.Obj, ignoreSoftSizeRestrictions bool) (bool, error) {
	data, err := p.cfg.Encode(obj, ignoreSoftSizeRestrictions)
	if err != nil {
		return false, err
	}
	stored, err := p.storeEncoded(obj.ID(), data)
	if err != nil {
		return false, wrap("store object", err)
	}
	return stored, nil
}

func (p *Persist) storeEncoded(id persist.ObjID, data []byte) (bool, error) {
	defer p.b.locks.Lock(persist.ObjLockKey(id))()
	stored := false
	err := p.b.db.Update(func(txn *badger.Txn) error {
		key := p.objKey(id)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		stored = true
		return txn.Set(key, data)
	})
	return stored && err == nil, err
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
	return p.UpsertObjs(ctx, []persist.Obj{obj})
}

// UpsertObjs writes all objects in one transaction.
func (p *Persist) UpsertObjs(ctx context.Context, objs []persist.Obj) error {
	encoded := make([][]byte, len(objs))
	for i, obj := range objs {
		if obj == nil {
			continue
		}
		data, err := p.cfg.Encode(obj, false)
		if err != nil {
			return err
		}
		encoded[i] = data
	}
	err := p.b.db.Update(func(txn *badger.Txn) error {
		for i, obj := range objs {
			if obj == nil {
				continue
			}
			if err := txn.Set(p.objKey(obj.ID()), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("upsert objects", err)
}

func (p *Persist) DeleteObj(ctx context.Context, id persist.ObjID) error {
	return p.DeleteObjs(ctx, []persist.ObjID{id})
}

func (p *Persist) DeleteObjs(ctx context.Context, ids []persist.ObjID) error {
	err := p.b.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(p.objKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("delete objects", err)
}

// Erase drops every key under the repository prefix.
func (p *Persist) Erase(ctx context.Context) error {
	return wrap("erase", p.b.db.DropPrefix(p.repo))
}

// ScanAllObjects holds a read transaction open until the iterator is
// closed, so the scan sees one consistent snapshot.
func (p *Persist) ScanAllObjects(ctx context.Context, types ...persist.ObjType) (persist.ObjIterator, error) {
	txn := p.b.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p.objPrefix
	it := txn.NewIterator(opts)
	it.Seek(p.objPrefix)
	return persist.NewObjIterator(&cursor{txn: txn, it: it, prefix: p.objPrefix}, types), nil
}

type cursor struct {
	txn     *badger.Txn
	it      *badger.Iterator
	prefix  []byte
	started bool
	id      persist.ObjID
	data    []byte
	err     error
}

func (c *cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.started {
		c.it.Next()
	}
	c.started = true
	if !c.it.ValidForPrefix(c.prefix) {
		return false
	}
	item := c.it.Item()
	id, err := persist.ObjIDFromBytes(item.KeyCopy(nil)[len(c.prefix):])
	if err != nil {
		c.err = wrap("scan", err)
		return false
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		c.err = wrap("scan", err)
		return false
	}
	c.id, c.data = id, data
	return true
}

func (c *cursor) ID() persist.ObjID { return c.id }
func (c *cursor) Data() []byte      { return c.data }
func (c *cursor) Err() error        { return c.err }

func (c *cursor) Close() error {
	c.it.Close()
	c.txn.Discard()
	return nil
}
