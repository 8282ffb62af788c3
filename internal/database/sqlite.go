package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/logger"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteDSN builds a modernc DSN with WAL and a busy timeout.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
}

// InitSQLite opens the embedded file store. A single connection serialises
// writers, which SQLite requires anyway.
func InitSQLite(cfg config.DatabaseConfig) (*sql.DB, error) {
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", SQLiteDSN(cfg.SQLitePath))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err = conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	logger.Log.Info("database connection established", zap.String("driver", "sqlite"), zap.String("path", cfg.SQLitePath))
	db = conn
	return conn, nil
}
