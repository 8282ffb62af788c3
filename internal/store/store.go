// Package store persists accounts, transactions, referrals and the ledger
// journal behind a single interface so the services do not care which
// backend was selected at startup.
package store

import (
	"context"

	"github.com/cryptoquiz/backend/internal/models"
)

// MaxPageSize caps every list query.
const MaxPageSize = 100

// Store is the document-style persistence contract used by the services.
//
// CommitAccount is the only way an account changes once created. It writes,
// in one atomic step:
//   - the account, if its stored version still equals Account.Version
//     (ErrVersionConflict otherwise), bumping the version;
//   - the ledger entry, if given, unless its idempotency key already exists
//     (ErrDuplicateEntry);
//   - the transaction status change, if given, only while the transaction is
//     still in From (ErrInvalidTransition otherwise).
//
// Nothing is written when any part fails.
type Store interface {
	CreateAccount(ctx context.Context, acc *models.Account) error
	GetAccount(ctx context.Context, userID string) (*models.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (*models.Account, error)
	CommitAccount(ctx context.Context, commit models.AccountCommit) error
	HasLedgerEntry(ctx context.Context, key string) (bool, error)

	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	FindTransactionByReference(ctx context.Context, userID string, txType models.TransactionType, reference string) (*models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, upd models.TransactionUpdate) error
	ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error)

	CreateReferral(ctx context.Context, ref *models.Referral) error
	GetReferralByReferred(ctx context.Context, referredID string) (*models.Referral, error)
	ListReferralsByReferrer(ctx context.Context, referrerID string) ([]models.Referral, error)
	UpdateReferral(ctx context.Context, ref *models.Referral) error

	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	Close() error
}

// PageSize normalises a requested limit.
func PageSize(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
