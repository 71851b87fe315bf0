package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Options holds the parameters for opening the database.
type Options struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize defaults to max(runtime.NumCPU(), 4). A running object scan
	// holds one connection until it is closed.
	PoolSize int

	// BusyTimeoutMillis bounds how long a writer waits for the database
	// lock held by another connection or process. Defaults to 5000.
	BusyTimeoutMillis int

	Logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS refs (
	repo_id    TEXT    NOT NULL,
	ref_name   TEXT    NOT NULL,
	pointer    BLOB    NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (repo_id, ref_name)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS objs (
	repo_id  TEXT    NOT NULL,
	obj_id   BLOB    NOT NULL,
	obj_type INTEGER NOT NULL,
	data     BLOB    NOT NULL,
	PRIMARY KEY (repo_id, obj_id)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS objs_by_type ON objs (repo_id, obj_type);
`

func openPool(opts Options, logger *slog.Logger) (*sqlitex.Pool, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlitestore: Path is required")
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	busy := opts.BusyTimeoutMillis
	if busy <= 0 {
		busy = 5000
	}

	pool, err := sqlitex.NewPool(opts.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, busy)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", opts.Path, err)
	}

	// Create the schema eagerly so a bad path or locked file fails Open.
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlitestore: initializing %s: %w", opts.Path, err)
	}
	pool.Put(conn)

	logger.Info("sqlite store opened",
		"path", opts.Path,
		"pool_size", poolSize,
	)
	return pool, nil
}

func prepareConnection(conn *sqlite.Conn, busyTimeoutMillis int) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMillis),
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlitestore: schema: %w", err)
	}
	return nil
}

func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}
