package database

import (
	"context"
	"fmt"

	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/store"
)

// OpenStore selects the backend named by cfg.Driver. SQL backends are
// migrated before use.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case store.DialectPostgres, store.DialectSQLite:
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	open := InitPostgres
	if cfg.Driver == store.DialectSQLite {
		open = InitSQLite
	}
	conn, err := open(cfg)
	if err != nil {
		return nil, err
	}

	s, err := store.NewSQLStore(conn, cfg.Driver)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}
