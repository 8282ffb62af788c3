package store

import (
	"context"
	"fmt"
	"strings"
)

// Dialect names accepted by NewSQLStore.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Column types differ per backend. SQLite keeps decimals as TEXT so no
// precision is lost to REAL affinity.
type columnTypes struct {
	money     string
	json      string
	timestamp string
	serial    string
}

var dialectTypes = map[string]columnTypes{
	DialectPostgres: {
		money:     "NUMERIC(30,8)",
		json:      "JSONB",
		timestamp: "TIMESTAMPTZ",
		serial:    "BIGSERIAL PRIMARY KEY",
	},
	DialectSQLite: {
		money:     "TEXT",
		json:      "TEXT",
		timestamp: "TIMESTAMP",
		serial:    "INTEGER PRIMARY KEY AUTOINCREMENT",
	},
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	playable_balance {{money}} NOT NULL DEFAULT 0,
	bonus_balance {{money}} NOT NULL DEFAULT 0,
	total_earned {{money}} NOT NULL DEFAULT 0,
	total_deposited {{money}} NOT NULL DEFAULT 0,
	total_withdrawn {{money}} NOT NULL DEFAULT 0,
	has_deposited BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL DEFAULT 'active',
	xp BIGINT NOT NULL DEFAULT 0,
	level INTEGER NOT NULL DEFAULT 1,
	last_daily_bonus_date TEXT NOT NULL DEFAULT '',
	referral_code TEXT NOT NULL UNIQUE,
	referred_by TEXT NOT NULL DEFAULT '',
	onboarded_at {{timestamp}},
	version INTEGER NOT NULL DEFAULT 1,
	created_at {{timestamp}} NOT NULL,
	updated_at {{timestamp}} NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES accounts(user_id),
	type TEXT NOT NULL,
	amount {{money}} NOT NULL,
	fee {{money}} NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	reference TEXT NOT NULL DEFAULT '',
	details {{json}},
	reason TEXT NOT NULL DEFAULT '',
	processed_by TEXT NOT NULL DEFAULT '',
	created_at {{timestamp}} NOT NULL,
	processed_at {{timestamp}}
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reference
	ON transactions (user_id, type, reference) WHERE reference <> '';
CREATE INDEX IF NOT EXISTS idx_transactions_type_reference
	ON transactions (type, reference) WHERE reference <> '';
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions (user_id, id);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions (status, id);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id {{serial}},
	idempotency_key TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL REFERENCES accounts(user_id),
	playable_delta {{money}} NOT NULL,
	bonus_delta {{money}} NOT NULL,
	playable_balance {{money}} NOT NULL,
	bonus_balance {{money}} NOT NULL,
	created_at {{timestamp}} NOT NULL
);

CREATE TABLE IF NOT EXISTS referrals (
	id TEXT PRIMARY KEY,
	referrer_id TEXT NOT NULL,
	referred_id TEXT NOT NULL UNIQUE,
	referral_code TEXT NOT NULL,
	bonus_amount {{money}} NOT NULL,
	welcome_amount {{money}} NOT NULL,
	referrer_tx_id TEXT NOT NULL,
	welcome_tx_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at {{timestamp}} NOT NULL,
	completed_at {{timestamp}}
);

CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals (referrer_id);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at {{timestamp}} NOT NULL
);
`

// Schema renders the DDL for dialect.
func Schema(dialect string) (string, error) {
	types, ok := dialectTypes[dialect]
	if !ok {
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}
	r := strings.NewReplacer(
		"{{money}}", types.money,
		"{{json}}", types.json,
		"{{timestamp}}", types.timestamp,
		"{{serial}}", types.serial,
	)
	return r.Replace(schemaTemplate), nil
}

// Migrate creates missing tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ddl, err := Schema(s.dialect)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
