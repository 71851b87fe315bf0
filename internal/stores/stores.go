// Package stores opens the storage backend named by the configuration.
package stores

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/systemshift/memex-vstore/internal/clock"
	"github.com/systemshift/memex-vstore/internal/config"
	"github.com/systemshift/memex-vstore/internal/logic"
	"github.com/systemshift/memex-vstore/internal/persist"
	"github.com/systemshift/memex-vstore/internal/persist/badgerstore"
	"github.com/systemshift/memex-vstore/internal/persist/fsstore"
	"github.com/systemshift/memex-vstore/internal/persist/memstore"
	"github.com/systemshift/memex-vstore/internal/persist/natsstore"
	"github.com/systemshift/memex-vstore/internal/persist/sqlitestore"
)

// Handle is an open backend and the repository store on top of it.
type Handle struct {
	Persist persist.Persist
	// Sequence is bound to the highest commit sequence number stored when
	// the handle was opened. Commit logic of this process must share it.
	Sequence *logic.RepositorySequence
	backend  io.Closer
}

// CommitLogic returns commit logic over the store using the handle's
// sequence.
func (h *Handle) CommitLogic(logger *slog.Logger) *logic.CommitLogic {
	return logic.NewCommitLogic(h.Persist, h.Sequence, logger)
}

// Close releases the backend.
func (h *Handle) Close() error {
	return h.backend.Close()
}

// Open opens cfg's backend and returns the store of cfg's repository with
// its commit sequence bound. A nil clk uses the wall clock.
func Open(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h, err := openBackend(ctx, cfg, clk, logger)
	if err != nil {
		return nil, err
	}
	h.Sequence, err = logic.BindSequence(ctx, h.Persist)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("bind sequence of repository %s: %w", cfg.Repository.ID, err)
	}
	logger.Debug("store opened", "backend", cfg.Backend, "repository", cfg.Repository.ID, "last_seq", h.Sequence.Last())
	return h, nil
}

func openBackend(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*Handle, error) {
	pc := cfg.PersistConfig()
	if clk != nil {
		pc.Clock = clk
	}

	switch cfg.Backend {
	case config.BackendMemory:
		b := memstore.New()
		return &Handle{Persist: b.CreatePersist(pc), backend: b}, nil

	case config.BackendFS:
		b, err := fsstore.Open(cfg.FS.Dir)
		if err != nil {
			return nil, err
		}
		p, err := b.CreatePersist(pc)
		if err != nil {
			b.Close()
			return nil, err
		}
		return &Handle{Persist: p, backend: b}, nil

	case config.BackendBadger:
		var opts []badgerstore.Option
		if cfg.Badger.InMemory {
			opts = append(opts, badgerstore.InMemory())
		}
		if cfg.Badger.ValueLogFileSize > 0 {
			opts = append(opts, badgerstore.WithValueLogFileSize(cfg.Badger.ValueLogFileSize))
		}
		b, err := badgerstore.Open(cfg.Badger.Dir, opts...)
		if err != nil {
			return nil, err
		}
		return &Handle{Persist: b.CreatePersist(pc), backend: b}, nil

	case config.BackendSQLite:
		b, err := sqlitestore.Open(sqlitestore.Options{
			Path:              cfg.SQLite.Path,
			PoolSize:          cfg.SQLite.PoolSize,
			BusyTimeoutMillis: int(cfg.SQLite.BusyTimeout.Milliseconds()),
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return &Handle{Persist: b.CreatePersist(pc), backend: b}, nil

	case config.BackendNATS:
		b, err := natsstore.Open(ctx, natsstore.Options{
			URL:          cfg.NATS.URL,
			BucketPrefix: cfg.NATS.BucketPrefix,
			Replicas:     cfg.NATS.Replicas,
			Timeout:      cfg.NATS.Timeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return &Handle{Persist: b.CreatePersist(pc), backend: b}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
