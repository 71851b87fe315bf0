// Package sqlitestore is the relational backend on SQLite.
//
// Every reference mutation runs in an IMMEDIATE transaction: a
// conditional UPDATE or DELETE whose WHERE clause carries the expected
// (pointer, deleted) tuple, followed by a read of the current row when no
// row changed, to tell a missing reference from a failed condition.
// SQLite's database lock makes this atomic across processes sharing the
// database file.
package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/systemshift/memex-vstore/internal/persist"
)

const backendName = "sqlite"

// Backend owns the connection pool of one database file.
type Backend struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open opens or creates the database and its schema.
func Open(opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := openPool(opts, logger)
	if err != nil {
		return nil, err
	}
	return &Backend{pool: pool, logger: logger, path: opts.Path}, nil
}

// Close closes all connections, waiting for borrowed ones.
func (b *Backend) Close() error {
	if err := b.pool.Close(); err != nil {
		b.logger.Error("sqlite store close error", "path", b.path, "error", err)
		return fmt.Errorf("sqlitestore: closing %s: %w", b.path, err)
	}
	b.logger.Info("sqlite store closed", "path", b.path)
	return nil
}

// CreatePersist returns the store of one repository.
func (b *Backend) CreatePersist(cfg persist.Config) *Persist {
	return &Persist{b: b, cfg: cfg.WithDefaults(), repo: cfg.RepositoryID}
}

// Persist implements persist.Persist on top of a Backend.
type Persist struct {
	b    *Backend
	cfg  persist.Config
	repo string
}

var _ persist.Persist = (*Persist)(nil)

func (p *Persist) Name() string           { return backendName }
func (p *Persist) Config() persist.Config { return p.cfg }

func wrap(op string, err error) error {
	return persist.WrapBackend(backendName, op, err)
}

// withConn runs fn on a pooled connection.
func (p *Persist) withConn(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.b.pool.Take(ctx)
	if err != nil {
		return wrap(op, err)
	}
	defer p.b.pool.Put(conn)
	return fn(conn)
}

// withTx runs fn inside an IMMEDIATE transaction. Errors from the
// persist taxonomy roll back and pass through unchanged; anything else
// is reported as a backend failure.
func (p *Persist) withTx(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) error {
	return p.withConn(ctx, op, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return wrap(op, err)
		}
		defer endTransaction(&err)
		return wrap(op, fn(conn))
	})
}

const selectRef = `SELECT ref_name, pointer, deleted, created_at FROM refs WHERE repo_id = ? AND ref_name = ?`

func readRef(stmt *sqlite.Stmt) (persist.Reference, error) {
	pointer, err := persist.ObjIDFromBytes(columnBytes(stmt, 1))
	if err != nil {
		return persist.Reference{}, err
	}
	return persist.Reference{
		Name:      stmt.ColumnText(0),
		Pointer:   pointer,
		Deleted:   stmt.ColumnInt(2) != 0,
		CreatedAt: stmt.ColumnInt64(3),
	}, nil
}

func (p *Persist) fetchRef(conn *sqlite.Conn, name string) (*persist.Reference, error) {
	var found *persist.Reference
	err := sqlitex.Execute(conn, selectRef, &sqlitex.ExecOptions{
		Args: []any{p.repo, name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ref, err := readRef(stmt)
			if err != nil {
				return err
			}
			found = &ref
			return nil
		},
	})
	return found, err
}

func (p *Persist) FetchReference(ctx context.Context, name string) (*persist.Reference, error) {
	var ref *persist.Reference
	err := p.withConn(ctx, "fetch ref", func(conn *sqlite.Conn) error {
		var err error
		ref, err = p.fetchRef(conn, name)
		return wrap("fetch ref", err)
	})
	return ref, err
}

func (p *Persist) FetchReferences(ctx context.Context, names []string) ([]*persist.Reference, error) {
	out := make([]*persist.Reference, len(names))
	err := p.withConn(ctx, "fetch refs", func(conn *sqlite.Conn) error {
		for i, name := range names {
			if name == "" {
				continue
			}
			ref, err := p.fetchRef(conn, name)
			if err != nil {
				return wrap("fetch refs", err)
			}
			out[i] = ref
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Persist) ListReferences(ctx context.Context, prefix string) ([]persist.Reference, error) {
	var out []persist.Reference
	err := p.withConn(ctx, "list refs", func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`SELECT ref_name, pointer, deleted, created_at FROM refs
			 WHERE repo_id = ? AND substr(ref_name, 1, length(?)) = ?
			 ORDER BY ref_name`,
			&sqlitex.ExecOptions{
				Args: []any{p.repo, prefix, prefix},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ref, err := readRef(stmt)
					if err != nil {
						return err
					}
					out = append(out, ref)
					return nil
				},
			})
		return wrap("list refs", err)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (p *Persist) AddReference(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	if err := persist.ValidateNewReference(ref); err != nil {
		return persist.Reference{}, err
	}
	err := p.withTx(ctx, "add ref", func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO refs (repo_id, ref_name, pointer, deleted, created_at)
			 VALUES (?, ?, ?, 0, ?) ON CONFLICT DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{p.repo, ref.Name, ref.Pointer.Bytes(), ref.CreatedAt}})
		if err != nil {
			return err
		}
		if conn.Changes() > 0 {
			return nil
		}
		existing, err := p.fetchRef(conn, ref.Name)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("insert of %s ignored but no row exists", ref.Name)
		}
		return &persist.RefAlreadyExistsError{Existing: *existing}
	})
	if err != nil {
		return persist.Reference{}, err
	}
	return ref, nil
}

// casRef runs a conditional statement and, if it matched no row, explains
// why by reading the current row.
func (p *Persist) casRef(ctx context.Context, op string, expected persist.Reference, expectDeleted bool, query string, args []any) (persist.Reference, error) {
	var result persist.Reference
	err := p.withTx(ctx, op, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return err
		}
		changed := conn.Changes() > 0
		current, err := p.fetchRef(conn, expected.Name)
		if err != nil {
			return err
		}
		if changed {
			if current != nil {
				result = *current
			}
			return nil
		}
		if err := persist.CheckReference(expected, current, expectDeleted); err != nil {
			return err
		}
		return fmt.Errorf("conditional %s matched no row although the reference is in the expected state", op)
	})
	return result, err
}

func (p *Persist) UpdateReferencePointer(ctx context.Context, ref persist.Reference, newPointer persist.ObjID) (persist.Reference, error) {
	return p.casRef(ctx, "update ref", ref, false,
		`UPDATE refs SET pointer = ?
		 WHERE repo_id = ? AND ref_name = ? AND pointer = ? AND deleted = 0`,
		[]any{newPointer.Bytes(), p.repo, ref.Name, ref.Pointer.Bytes()})
}

func (p *Persist) MarkReferenceAsDeleted(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	return p.casRef(ctx, "mark ref deleted", ref, false,
		`UPDATE refs SET deleted = 1
		 WHERE repo_id = ? AND ref_name = ? AND pointer = ? AND deleted = 0`,
		[]any{p.repo, ref.Name, ref.Pointer.Bytes()})
}

func (p *Persist) PurgeReference(ctx context.Context, ref persist.Reference) error {
	_, err := p.casRef(ctx, "purge ref", ref, true,
		`DELETE FROM refs
		 WHERE repo_id = ? AND ref_name = ? AND pointer = ? AND deleted = 1`,
		[]any{p.repo, ref.Name, ref.Pointer.Bytes()})
	return err
}

func (p *Persist) fetchRaw(conn *sqlite.Conn, id persist.ObjID) ([]byte, error) {
	var data []byte
	err := sqlitex.Execute(conn, `SELECT data FROM objs WHERE repo_id = ? AND obj_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{p.repo, id.Bytes()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				data = columnBytes(stmt, 0)
				return nil
			},
		})
	return data, err
}

func (p *Persist) lookup(ctx context.Context, op string, id persist.ObjID) ([]byte, error) {
	var data []byte
	err := p.withConn(ctx, op, func(conn *sqlite.Conn) error {
		var err error
		data, err = p.fetchRaw(conn, id)
		return wrap(op, err)
	})
	return data, err
}

func (p *Persist) FetchObj(ctx context.Context, id persist.ObjID) (persist.Obj, error) {
	return persist.FetchOne(id, func(id persist.ObjID) ([]byte, error) {
		return p.lookup(ctx, "fetch object", id)
	})
}

func (p *Persist) FetchObjType(ctx context.Context, id persist.ObjID) (persist.ObjType, error) {
	data, err := p.lookup(ctx, "fetch object type", id)
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
	data, err := p.lookup(ctx, "fetch object", id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, &persist.ObjNotFoundError{IDs: []persist.ObjID{id}}
	}
	return persist.DeserializeTyped(id, data, typ)
}

// FetchObjs reads all ids on one connection.
func (p *Persist) FetchObjs(ctx context.Context, ids []persist.ObjID) ([]persist.Obj, error) {
	var objs []persist.Obj
	err := p.withConn(ctx, "fetch objects", func(conn *sqlite.Conn) error {
		var err error
		objs, err = persist.CollectObjs(ids, func(id persist.ObjID) ([]byte, error) {
			data, err := p.fetchRaw(conn, id)
			return data, wrap("fetch objects", err)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return objs, nil
}

func (p *Persist) StoreObj(ctx context.Context, obj persist.Obj, ignoreSoftSizeRestrictions bool) (bool, error) {
	data, err := p.cfg.Encode(obj, ignoreSoftSizeRestrictions)
	if err != nil {
		return false, err
	}
	stored := false
	err = p.withConn(ctx, "store object", func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO objs (repo_id, obj_id, obj_type, data) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{p.repo, obj.ID().Bytes(), int(obj.Type()), data}})
		if err != nil {
			return wrap("store object", err)
		}
		stored = conn.Changes() > 0
		return nil
	})
	return stored, err
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
	return p.withTx(ctx, "upsert objects", func(conn *sqlite.Conn) error {
		for i, obj := range objs {
			if obj == nil {
				continue
			}
			err := sqlitex.Execute(conn,
				`INSERT INTO objs (repo_id, obj_id, obj_type, data) VALUES (?, ?, ?, ?)
				 ON CONFLICT (repo_id, obj_id) DO UPDATE SET obj_type = excluded.obj_type, data = excluded.data`,
				&sqlitex.ExecOptions{Args: []any{p.repo, obj.ID().Bytes(), int(obj.Type()), encoded[i]}})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Persist) DeleteObj(ctx context.Context, id persist.ObjID) error {
	return p.DeleteObjs(ctx, []persist.ObjID{id})
}

func (p *Persist) DeleteObjs(ctx context.Context, ids []persist.ObjID) error {
	return p.withTx(ctx, "delete objects", func(conn *sqlite.Conn) error {
		for _, id := range ids {
			err := sqlitex.Execute(conn, `DELETE FROM objs WHERE repo_id = ? AND obj_id = ?`,
				&sqlitex.ExecOptions{Args: []any{p.repo, id.Bytes()}})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Persist) Erase(ctx context.Context) error {
	return p.withTx(ctx, "erase", func(conn *sqlite.Conn) error {
		for _, query := range []string{
			`DELETE FROM refs WHERE repo_id = ?`,
			`DELETE FROM objs WHERE repo_id = ?`,
		} {
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{p.repo}}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanAllObjects keeps one pooled connection and a transient statement
// until the iterator is closed.
func (p *Persist) ScanAllObjects(ctx context.Context, types ...persist.ObjType) (persist.ObjIterator, error) {
	conn, err := p.b.pool.Take(ctx)
	if err != nil {
		return nil, wrap("scan", err)
	}
	stmt, _, err := conn.PrepareTransient(`SELECT obj_id, data FROM objs WHERE repo_id = ? ORDER BY obj_id`)
	if err != nil {
		p.b.pool.Put(conn)
		return nil, wrap("scan", err)
	}
	stmt.BindText(1, p.repo)
	return persist.NewObjIterator(&cursor{p: p, conn: conn, stmt: stmt}, types), nil
}

type cursor struct {
	p      *Persist
	conn   *sqlite.Conn
	stmt   *sqlite.Stmt
	id     persist.ObjID
	data   []byte
	err    error
	closed bool
}

func (c *cursor) Next() bool {
	if c.err != nil || c.closed {
		return false
	}
	hasRow, err := c.stmt.Step()
	if err != nil {
		c.err = wrap("scan", err)
		return false
	}
	if !hasRow {
		return false
	}
	id, err := persist.ObjIDFromBytes(columnBytes(c.stmt, 0))
	if err != nil {
		c.err = wrap("scan", err)
		return false
	}
	c.id, c.data = id, columnBytes(c.stmt, 1)
	return true
}

func (c *cursor) ID() persist.ObjID { return c.id }
func (c *cursor) Data() []byte      { return c.data }
func (c *cursor) Err() error        { return c.err }

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.stmt.Finalize()
	c.p.b.pool.Put(c.conn)
	return wrap("scan", err)
}
