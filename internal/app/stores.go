package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/fablevoice/internal/config"
	"github.com/MrWong99/fablevoice/internal/narration"
	"github.com/MrWong99/fablevoice/internal/store/postgres"
	"github.com/MrWong99/fablevoice/internal/store/sqlite"
	"github.com/MrWong99/fablevoice/internal/voiceclone"
	"github.com/MrWong99/fablevoice/pkg/objectstore"
	"github.com/MrWong99/fablevoice/pkg/objectstore/natsstore"
)

// Stores bundles the durable state behind one backend.
type Stores struct {
	Registry voiceclone.Registry
	Ledger   narration.Ledger

	// Ping is nil for the in-memory backend.
	Ping  func(context.Context) error
	Close func() error
}

// OpenStores opens the backend selected by cfg.Backend. Postgres tables are
// created first when cfg.AutoMigrate is set; SQLite always applies its
// schema on open.
func OpenStores(ctx context.Context, cfg config.StoreConfig) (*Stores, error) {
	switch cfg.Backend {
	case config.StoreMemory, "":
		return &Stores{
			Registry: voiceclone.NewMemRegistry(),
			Ledger:   narration.NewMemLedger(),
			Close:    func() error { return nil },
		}, nil

	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("sqlite store opened", "path", st.Path())
		return &Stores{Registry: st, Ledger: st, Ping: st.Ping, Close: st.Close}, nil

	case config.StorePostgres:
		st, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				st.Close()
				return nil, err
			}
			slog.Info("postgres schema migrated")
		}
		return &Stores{
			Registry: st,
			Ledger:   st,
			Ping:     st.Ping,
			Close: func() error {
				st.Close()
				return nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// ObjectStore is an opened object store backend.
type ObjectStore struct {
	Store objectstore.Store

	// Ping is nil for the in-memory backend.
	Ping  func(context.Context) error
	Close func() error
}

// OpenObjectStore opens the backend selected by cfg.Backend.
func OpenObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (*ObjectStore, error) {
	switch cfg.Backend {
	case config.ObjectStoreMemory, "":
		return &ObjectStore{Store: objectstore.NewMemoryStore(), Close: func() error { return nil }}, nil

	case config.ObjectStoreNATS:
		st, closeConn, err := natsstore.Connect(ctx, cfg.NATSURL, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		slog.Info("nats object store connected", "bucket", cfg.Bucket)
		return &ObjectStore{
			Store: st,
			Ping:  st.Ping,
			Close: func() error {
				closeConn()
				return nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}

// Migrate creates the schema of the configured durable backend.
func Migrate(ctx context.Context, cfg config.StoreConfig) error {
	switch cfg.Backend {
	case config.StorePostgres:
		st, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.Migrate(ctx)
	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		return st.Close()
	default:
		return fmt.Errorf("store backend %q has no schema to migrate", cfg.Backend)
	}
}
