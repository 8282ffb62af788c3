package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cryptoquiz/backend/internal/models"
)

// SQLStore implements Store on database/sql. Queries are written with
// Postgres placeholders and rebound for SQLite, which accepts ?NNN.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if _, ok := dialectTypes[dialect]; !ok {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

func (s *SQLStore) q(query string) string {
	if s.dialect == DialectSQLite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const accountColumns = `user_id, username, playable_balance, bonus_balance, total_earned,
	total_deposited, total_withdrawn, has_deposited, status, xp, level,
	last_daily_bonus_date, referral_code, referred_by, onboarded_at, version,
	created_at, updated_at`

func scanAccount(row rowScanner) (*models.Account, error) {
	var acc models.Account
	var onboarded sql.NullTime
	err := row.Scan(
		&acc.UserID, &acc.Username, &acc.PlayableBalance, &acc.BonusBalance, &acc.TotalEarned,
		&acc.TotalDeposited, &acc.TotalWithdrawn, &acc.HasDeposited, &acc.Status, &acc.XP, &acc.Level,
		&acc.LastDailyBonusDate, &acc.ReferralCode, &acc.ReferredBy, &onboarded, &acc.Version,
		&acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if onboarded.Valid {
		t := onboarded.Time
		acc.OnboardedAt = &t
	}
	return &acc, nil
}

const transactionColumns = `id, user_id, type, amount, fee, status, tx_hash, reference,
	details, reason, processed_by, created_at, processed_at`

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var processed sql.NullTime
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Type, &tx.Amount, &tx.Fee, &tx.Status, &tx.TxHash, &tx.Reference,
		&tx.Details, &tx.Reason, &tx.ProcessedBy, &tx.Timestamp, &processed,
	)
	if err != nil {
		return nil, err
	}
	if processed.Valid {
		t := processed.Time
		tx.ProcessedAt = &t
	}
	return &tx, nil
}

const referralColumns = `id, referrer_id, referred_id, referral_code, bonus_amount, welcome_amount,
	referrer_tx_id, welcome_tx_id, status, created_at, completed_at`

func scanReferral(row rowScanner) (*models.Referral, error) {
	var ref models.Referral
	var completed sql.NullTime
	err := row.Scan(
		&ref.ID, &ref.ReferrerID, &ref.ReferredID, &ref.ReferralCode, &ref.BonusAmount, &ref.WelcomeAmount,
		&ref.ReferrerTxID, &ref.WelcomeTxID, &ref.Status, &ref.Date, &completed,
	)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		ref.CompletedAt = &t
	}
	return &ref, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// requireRow maps "0 rows affected" onto sentinel.
func requireRow(result sql.Result, sentinel error, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, sentinel)
	}
	return nil
}

func (s *SQLStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	if acc.Version == 0 {
		acc.Version = 1
	}
	result, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT DO NOTHING`),
		acc.UserID, acc.Username, acc.PlayableBalance, acc.BonusBalance, acc.TotalEarned,
		acc.TotalDeposited, acc.TotalWithdrawn, acc.HasDeposited, acc.Status, acc.XP, acc.Level,
		acc.LastDailyBonusDate, acc.ReferralCode, acc.ReferredBy, nullTime(acc.OnboardedAt), acc.Version,
		acc.CreatedAt, acc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create account %s: %w", acc.UserID, err)
	}
	return requireRow(result, models.ErrAlreadyExists, "account "+acc.UserID)
}

func (s *SQLStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`), userID)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err, "account "+userID)
	}
	return acc, nil
}

func (s *SQLStore) GetAccountByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`), code)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err, "referral code "+code)
	}
	return acc, nil
}

func (s *SQLStore) CommitAccount(ctx context.Context, commit models.AccountCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	acc := commit.Account

	if e := commit.Entry; e != nil {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		result, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO ledger_entries (idempotency_key, user_id, playable_delta, bonus_delta, playable_balance, bonus_balance, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (idempotency_key) DO NOTHING`),
			e.IdempotencyKey, e.UserID, e.PlayableDelta, e.BonusDelta, e.PlayableBalance, e.BonusBalance, createdAt)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		if err := requireRow(result, models.ErrDuplicateEntry, "entry "+e.IdempotencyKey); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, s.q(`
		UPDATE accounts
		SET username = $1, playable_balance = $2, bonus_balance = $3, total_earned = $4,
			total_deposited = $5, total_withdrawn = $6, has_deposited = $7, status = $8,
			xp = $9, level = $10, last_daily_bonus_date = $11, referred_by = $12,
			onboarded_at = $13, version = version + 1, updated_at = $14
		WHERE user_id = $15 AND version = $16`),
		acc.Username, acc.PlayableBalance, acc.BonusBalance, acc.TotalEarned,
		acc.TotalDeposited, acc.TotalWithdrawn, acc.HasDeposited, acc.Status,
		acc.XP, acc.Level, acc.LastDailyBonusDate, acc.ReferredBy,
		nullTime(acc.OnboardedAt), now, acc.UserID, acc.Version)
	if err != nil {
		return fmt.Errorf("update account %s: %w", acc.UserID, err)
	}
	if err := requireRow(result, models.ErrVersionConflict, "account "+acc.UserID); err != nil {
		return err
	}

	if upd := commit.Transaction; upd != nil {
		if err := s.updateStatus(ctx, tx, *upd, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	acc.Version++
	acc.UpdatedAt = now
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) updateStatus(ctx context.Context, ex execer, upd models.TransactionUpdate, now time.Time) error {
	processedAt := upd.ProcessedAt
	if processedAt.IsZero() {
		processedAt = now
	}
	result, err := ex.ExecContext(ctx, s.q(`
		UPDATE transactions
		SET status = $1, reason = COALESCE(NULLIF($2, ''), reason), tx_hash = COALESCE(NULLIF($3, ''), tx_hash),
			processed_by = COALESCE(NULLIF($4, ''), processed_by), processed_at = $5
		WHERE id = $6 AND status = $7`),
		upd.To, upd.Reason, upd.TxHash, upd.ProcessedBy, processedAt, upd.ID, upd.From)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", upd.ID, err)
	}
	return requireRow(result, models.ErrInvalidTransition, "transaction "+upd.ID)
}

func (s *SQLStore) HasLedgerEntry(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, s.q(`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE idempotency_key = $1)`), key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ledger entry: %w", err)
	}
	return exists, nil
}

func (s *SQLStore) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING`),
		t.ID, t.UserID, t.Type, t.Amount, t.Fee, t.Status, t.TxHash, t.Reference,
		t.Details, t.Reason, t.ProcessedBy, t.Timestamp, nullTime(t.ProcessedAt))
	if err != nil {
		return fmt.Errorf("create transaction %s: %w", t.ID, err)
	}
	return requireRow(result, models.ErrAlreadyExists, "transaction "+t.ID)
}

func (s *SQLStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`), id)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, notFound(err, "transaction "+id)
	}
	return t, nil
}

func (s *SQLStore) FindTransactionByReference(ctx context.Context, userID string, txType models.TransactionType, reference string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = $1 AND type = $2 AND reference = $3`), userID, txType, reference)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, notFound(err, "reference "+reference)
	}
	return t, nil
}

func (s *SQLStore) UpdateTransactionStatus(ctx context.Context, upd models.TransactionUpdate) error {
	return s.updateStatus(ctx, s.db, upd, time.Now().UTC())
}

func (s *SQLStore) ListTransactions(ctx context.Context, f models.TransactionFilter) ([]models.Transaction, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.Reference != "" {
		where = append(where, "reference = "+arg(f.Reference))
	}
	if f.Before != "" {
		where = append(where, "id < "+arg(f.Before))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+arg(f.CreatedBefore))
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = arg(t)
		}
		where = append(where, "type IN ("+strings.Join(ph, ", ")+")")
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = arg(st)
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ` + arg(PageSize(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]models.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateReferral(ctx context.Context, ref *models.Referral) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO referrals (`+referralColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`),
		ref.ID, ref.ReferrerID, ref.ReferredID, ref.ReferralCode, ref.BonusAmount, ref.WelcomeAmount,
		ref.ReferrerTxID, ref.WelcomeTxID, ref.Status, ref.Date, nullTime(ref.CompletedAt))
	if err != nil {
		return fmt.Errorf("create referral: %w", err)
	}
	return requireRow(result, models.ErrAlreadyExists, "referral for "+ref.ReferredID)
}

func (s *SQLStore) GetReferralByReferred(ctx context.Context, referredID string) (*models.Referral, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+referralColumns+` FROM referrals WHERE referred_id = $1`), referredID)
	ref, err := scanReferral(row)
	if err != nil {
		return nil, notFound(err, "referral for "+referredID)
	}
	return ref, nil
}

func (s *SQLStore) ListReferralsByReferrer(ctx context.Context, referrerID string) ([]models.Referral, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+referralColumns+` FROM referrals
		WHERE referrer_id = $1 ORDER BY created_at DESC`), referrerID)
	if err != nil {
		return nil, fmt.Errorf("list referrals: %w", err)
	}
	defer rows.Close()

	out := make([]models.Referral, 0)
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("scan referral: %w", err)
		}
		out = append(out, *ref)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateReferral(ctx context.Context, ref *models.Referral) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE referrals SET status = $1, completed_at = $2 WHERE referred_id = $3`),
		ref.Status, nullTime(ref.CompletedAt), ref.ReferredID)
	if err != nil {
		return fmt.Errorf("update referral: %w", err)
	}
	return requireRow(result, models.ErrNotFound, "referral for "+ref.ReferredID)
}

func (s *SQLStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM settings WHERE key = $1`), key).Scan(&value)
	if err != nil {
		return "", notFound(err, "setting "+key)
	}
	return value, nil
}

func (s *SQLStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
