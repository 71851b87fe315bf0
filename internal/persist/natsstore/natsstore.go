// Package natsstore is the networked key-value backend on NATS JetStream.
//
// Objects and references live in two KV buckets, <prefix>_objs and
// <prefix>_refs. Keys are <base32 repository id>.<suffix>, the suffix
// being the object id for objects and the base32 reference name for
// references. Reference CAS uses the bucket's revision checks (Create,
// Update with the read revision, Purge with LastRevision), which the
// server enforces across every client.
package natsstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/multiformats/go-multibase"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/systemshift/memex-vstore/internal/persist"
)

const backendName = "nats"

// Options configures the connection and buckets.
type Options struct {
	URL string

	// BucketPrefix names the two buckets. Defaults to "memex_vstore".
	BucketPrefix string

	// Replicas for newly created buckets. Defaults to 1.
	Replicas int

	// Timeout bounds connecting and bucket setup. Defaults to 10s.
	Timeout time.Duration

	Logger *slog.Logger
}

// Backend holds a NATS connection and the two buckets.
type Backend struct {
	nc     *nats.Conn
	objs   jetstream.KeyValue
	refs   jetstream.KeyValue
	logger *slog.Logger
}

// Open connects and creates the buckets if they do not exist.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("natsstore: URL is required")
	}
	if opts.BucketPrefix == "" {
		opts.BucketPrefix = "memex_vstore"
	}
	if opts.Replicas <= 0 {
		opts.Replicas = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	nc, err := nats.Connect(opts.URL, nats.Timeout(opts.Timeout), nats.Name("memex-vstore"))
	if err != nil {
		return nil, fmt.Errorf("natsstore: connect %s: %w", opts.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsstore: jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	b := &Backend{nc: nc, logger: logger}
	if b.objs, err = ensureBucket(ctx, js, opts.BucketPrefix+"_objs", opts.Replicas, logger); err != nil {
		nc.Close()
		return nil, err
	}
	if b.refs, err = ensureBucket(ctx, js, opts.BucketPrefix+"_refs", opts.Replicas, logger); err != nil {
		nc.Close()
		return nil, err
	}
	logger.Info("nats store opened", "url", opts.URL, "bucket_prefix", opts.BucketPrefix)
	return b, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, name string, replicas int, logger *slog.Logger) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		logger.Debug("using existing KV bucket", "bucket", name)
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("natsstore: bucket %s: %w", name, err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   name,
		History:  1,
		Replicas: replicas,
	})
	if err != nil {
		// Another client may have created it concurrently.
		if existing, getErr := js.KeyValue(ctx, name); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("natsstore: create bucket %s: %w", name, err)
	}
	logger.Info("created KV bucket", "bucket", name)
	return kv, nil
}

// Close closes the connection.
func (b *Backend) Close() error {
	b.nc.Close()
	return nil
}

// CreatePersist returns the store of one repository.
func (b *Backend) CreatePersist(cfg persist.Config) *Persist {
	return &Persist{b: b, cfg: cfg.WithDefaults(), prefix: encode(cfg.RepositoryID) + "."}
}

func encode(s string) string {
	encoded, _ := multibase.Encode(multibase.Base32, []byte(s))
	return encoded
}

func decode(s string) (string, error) {
	_, b, err := multibase.Decode(s)
	return string(b), err
}

// isConflict reports a failed revision check. Create, Update and Purge
// with LastRevision all fail with the server's wrong-last-sequence code;
// ErrKeyExists carries the same code.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// Persist implements persist.Persist on top of a Backend.
type Persist struct {
	b      *Backend
	cfg    persist.Config
	prefix string
}

var _ persist.Persist = (*Persist)(nil)

func (p *Persist) Name() string           { return backendName }
func (p *Persist) Config() persist.Config { return p.cfg }

func (p *Persist) refKey(name string) string      { return p.prefix + encode(name) }
func (p *Persist) objKey(id persist.ObjID) string { return p.prefix + id.String() }

func wrap(op string, err error) error {
	return persist.WrapBackend(backendName, op, err)
}

// getRef returns the reference and the revision it was read at.
func (p *Persist) getRef(ctx context.Context, name string) (*persist.Reference, uint64, error) {
	entry, err := p.b.refs.Get(ctx, p.refKey(name))
	if isNotFound(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, wrap("fetch ref", err)
	}
	ref, err := persist.DeserializeReference(entry.Value())
	if err != nil {
		return nil, 0, wrap("fetch ref", err)
	}
	return ref, entry.Revision(), nil
}

func (p *Persist) FetchReference(ctx context.Context, name string) (*persist.Reference, error) {
	ref, _, err := p.getRef(ctx, name)
	return ref, err
}

func (p *Persist) FetchReferences(ctx context.Context, names []string) ([]*persist.Reference, error) {
	out := make([]*persist.Reference, len(names))
	for i, name := range names {
		if name == "" {
			continue
		}
		ref, _, err := p.getRef(ctx, name)
		if err != nil {
			return nil, err
		}
		out[i] = ref
	}
	return out, nil
}

// keys lists the keys of kv under this repository, sorted.
func (p *Persist) keys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
	lister, err := kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer lister.Stop()
	var out []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, p.prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *Persist) ListReferences(ctx context.Context, prefix string) ([]persist.Reference, error) {
	keys, err := p.keys(ctx, p.b.refs)
	if err != nil {
		return nil, wrap("list refs", err)
	}
	var out []persist.Reference
	for _, key := range keys {
		name, err := decode(key[len(p.prefix):])
		if err != nil || !strings.HasPrefix(name, prefix) {
			continue
		}
		ref, _, err := p.getRef(ctx, name)
		if err != nil {
			return nil, err
		}
		if ref != nil {
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
	_, err = p.b.refs.Create(ctx, p.refKey(ref.Name), data)
	if err == nil {
		return ref, nil
	}
	if !isConflict(err) {
		return persist.Reference{}, wrap("add ref", err)
	}
	existing, _, getErr := p.getRef(ctx, ref.Name)
	if getErr != nil {
		return persist.Reference{}, getErr
	}
	if existing == nil {
		return persist.Reference{}, wrap("add ref", fmt.Errorf("create of %s conflicted but no entry exists: %w", ref.Name, err))
	}
	return persist.Reference{}, &persist.RefAlreadyExistsError{Existing: *existing}
}

// lostRace explains a failed revision check by re-reading the reference.
func (p *Persist) lostRace(ctx context.Context, name string) error {
	current, _, err := p.getRef(ctx, name)
	if err != nil {
		return err
	}
	if current == nil {
		return &persist.RefNotFoundError{Name: name}
	}
	return &persist.RefConditionFailedError{Actual: *current}
}

func (p *Persist) replaceRef(ctx context.Context, op string, expected persist.Reference, mutate func(*persist.Reference)) (persist.Reference, error) {
	current, rev, err := p.getRef(ctx, expected.Name)
	if err != nil {
		return persist.Reference{}, err
	}
	if err := persist.CheckReference(expected, current, false); err != nil {
		return persist.Reference{}, err
	}
	next := *current
	mutate(&next)
	data, err := persist.SerializeReference(next)
	if err != nil {
		return persist.Reference{}, err
	}
	if _, err := p.b.refs.Update(ctx, p.refKey(expected.Name), data, rev); err != nil {
		if isConflict(err) {
			return persist.Reference{}, p.lostRace(ctx, expected.Name)
		}
		return persist.Reference{}, wrap(op, err)
	}
	return next, nil
}

func (p *Persist) UpdateReferencePointer(ctx context.Context, ref persist.Reference, newPointer persist.ObjID) (persist.Reference, error) {
	return p.replaceRef(ctx, "update ref", ref, func(r *persist.Reference) { r.Pointer = newPointer })
}

func (p *Persist) MarkReferenceAsDeleted(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	return p.replaceRef(ctx, "mark ref deleted", ref, func(r *persist.Reference) { r.Deleted = true })
}

func (p *Persist) PurgeReference(ctx context.Context, ref persist.Reference) error {
	current, rev, err := p.getRef(ctx, ref.Name)
	if err != nil {
		return err
	}
	if err := persist.CheckReference(ref, current, true); err != nil {
		return err
	}
	if err := p.b.refs.Purge(ctx, p.refKey(ref.Name), jetstream.LastRevision(rev)); err != nil {
		if isConflict(err) {
			return p.lostRace(ctx, ref.Name)
		}
		return wrap("purge ref", err)
	}
	return nil
}

func (p *Persist) lookupObj(ctx context.Context, id persist.ObjID) ([]byte, error) {
	entry, err := p.b.objs.Get(ctx, p.objKey(id))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("fetch object", err)
	}
	return entry.Value(), nil
}

func (p *Persist) lookup(ctx context.Context) func(persist.ObjID) ([]byte, error) {
	return func(id persist.ObjID) ([]byte, error) { return p.lookupObj(ctx, id) }
}

func (p *Persist) FetchObj(ctx context.Context, id persist.ObjID) (persist.Obj, error) {
	return persist.FetchOne(id, p.lookup(ctx))
}

func (p *Persist) FetchObjType(ctx context.Context, id persist.ObjID) (persist.ObjType, error) {
	data, err := p.lookupObj(ctx, id)
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
	data, err := p.lookupObj(ctx, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, &persist.ObjNotFoundError{IDs: []persist.ObjID{id}}
	}
	return persist.DeserializeTyped(id, data, typ)
}

func (p *Persist) FetchObjs(ctx context.Context, ids []persist.ObjID) ([]persist.Obj, error) {
	return persist.CollectObjs(ids, p.lookup(ctx))
}

func (p *Persist) StoreObj(ctx context.Context, obj persist.Obj, ignoreSoftSizeRestrictions bool) (bool, error) {
	data, err := p.cfg.Encode(obj, ignoreSoftSizeRestrictions)
	if err != nil {
		return false, err
	}
	if _, err := p.b.objs.Create(ctx, p.objKey(obj.ID()), data); err != nil {
		if isConflict(err) {
			return false, nil
		}
		return false, wrap("store object", err)
	}
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
	if _, err := p.b.objs.Put(ctx, p.objKey(obj.ID()), data); err != nil {
		return wrap("upsert object", err)
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
	if err := p.b.objs.Purge(ctx, p.objKey(id)); err != nil && !isNotFound(err) {
		return wrap("delete object", err)
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

func (p *Persist) Erase(ctx context.Context) error {
	for _, kv := range []jetstream.KeyValue{p.b.refs, p.b.objs} {
		keys, err := p.keys(ctx, kv)
		if err != nil {
			return wrap("erase", err)
		}
		for _, key := range keys {
			if err := kv.Purge(ctx, key); err != nil && !isNotFound(err) {
				return wrap("erase", err)
			}
		}
	}
	return nil
}

// ScanAllObjects lists keys up front and fetches each value as the
// iterator reaches it. Objects purged after the listing are skipped.
func (p *Persist) ScanAllObjects(ctx context.Context, types ...persist.ObjType) (persist.ObjIterator, error) {
	keys, err := p.keys(ctx, p.b.objs)
	if err != nil {
		return nil, wrap("scan", err)
	}
	return persist.NewObjIterator(&cursor{ctx: ctx, p: p, keys: keys}, types), nil
}

type cursor struct {
	ctx  context.Context
	p    *Persist
	keys []string
	id   persist.ObjID
	data []byte
	err  error
}

func (c *cursor) Next() bool {
	for c.err == nil && len(c.keys) > 0 {
		key := c.keys[0]
		c.keys = c.keys[1:]
		id, err := persist.ParseObjID(key[len(c.p.prefix):])
		if err != nil {
			continue
		}
		data, err := c.p.lookupObj(c.ctx, id)
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

func (c *cursor) ID() persist.ObjID { return c.id }
func (c *cursor) Data() []byte      { return c.data }
func (c *cursor) Err() error        { return c.err }
func (c *cursor) Close() error      { return nil }
