package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cryptoquiz/backend/internal/audit"
	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/metrics"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/cryptoquiz/backend/internal/store"
	"go.uber.org/zap"
)

const referralCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Mutation is one atomic account write. Key is the ledger idempotency key;
// leave it empty for profile-only updates that move no money.
type Mutation struct {
	Key         string
	Apply       func(acc *models.Account) error
	Transaction *models.TransactionUpdate
}

// AccountStore serialises writes per user with an in-process lock and a
// version compare-and-swap so concurrent instances cannot lose updates.
type AccountStore struct {
	store      store.Store
	locks      *keyedMutex
	maxRetries int
	audit      *audit.Logger
	now        func() time.Time
}

func NewAccountStore(s store.Store, cfg config.LedgerConfig, auditLog *audit.Logger) *AccountStore {
	retries := cfg.MaxCASRetries
	if retries <= 0 {
		retries = 5
	}
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	return &AccountStore{
		store:      s,
		locks:      newKeyedMutex(),
		maxRetries: retries,
		audit:      auditLog,
		now:        time.Now,
	}
}

func (a *AccountStore) Get(ctx context.Context, userID string) (*models.Account, error) {
	if userID == "" {
		return nil, models.NewValidationError("userId", "required")
	}
	return a.store.GetAccount(ctx, userID)
}

// Open returns the account for userID, creating it with a fresh referral
// code on first sight. created reports whether this call created it.
func (a *AccountStore) Open(ctx context.Context, userID, username string) (*models.Account, bool, error) {
	if userID == "" {
		return nil, false, models.NewValidationError("userId", "required")
	}
	if acc, err := a.store.GetAccount(ctx, userID); err == nil {
		return acc, false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, false, err
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateReferralCode(8)
		if err != nil {
			return nil, false, err
		}
		now := a.now().UTC()
		acc := &models.Account{
			UserID:       userID,
			Username:     username,
			Status:       models.AccountStatusActive,
			Level:        1,
			ReferralCode: code,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err = a.store.CreateAccount(ctx, acc)
		if err == nil {
			logger.Log.Info("account created", zap.String("user_id", userID))
			a.audit.LogOperation(userID, userID, "ACCOUNT_CREATED", code)
			return acc, true, nil
		}
		if !errors.Is(err, models.ErrAlreadyExists) {
			return nil, false, err
		}
		// lost a race for the user id, or the code collided
		if existing, getErr := a.store.GetAccount(ctx, userID); getErr == nil {
			return existing, false, nil
		}
	}
	return nil, false, fmt.Errorf("could not allocate referral code for %s", userID)
}

// ApplyDelta applies delta once per idempotency key. Replaying a key returns
// the current account without error.
func (a *AccountStore) ApplyDelta(ctx context.Context, userID, key string, delta models.BalanceDelta) (*models.Account, error) {
	if key == "" {
		return nil, models.NewValidationError("idempotencyKey", "required")
	}
	acc, err := a.Mutate(ctx, userID, Mutation{Key: key, Apply: delta.ApplyTo})
	if errors.Is(err, models.ErrDuplicateEntry) {
		return acc, nil
	}
	return acc, err
}

func (a *AccountStore) SetStatus(ctx context.Context, userID string, status models.AccountStatus, actorID string) (*models.Account, error) {
	if !status.Valid() {
		return nil, models.NewValidationError("status", "unknown account status %q", status)
	}
	acc, err := a.Mutate(ctx, userID, Mutation{Apply: func(acc *models.Account) error {
		acc.Status = status
		return nil
	}})
	if err != nil {
		return nil, err
	}
	a.audit.LogOperation(userID, actorID, "ACCOUNT_STATUS", string(status))
	return acc, nil
}

// Update changes profile fields without touching balances.
func (a *AccountStore) Update(ctx context.Context, userID string, fn func(acc *models.Account) error) (*models.Account, error) {
	return a.Mutate(ctx, userID, Mutation{Apply: func(acc *models.Account) error {
		before := acc.Clone()
		if err := fn(acc); err != nil {
			return err
		}
		if !acc.PlayableBalance.Equal(before.PlayableBalance) || !acc.BonusBalance.Equal(before.BonusBalance) {
			return errors.New("profile update must not move balances")
		}
		return nil
	}})
}

// Mutate runs m against a fresh copy of the account and commits it,
// retrying on version conflicts. When the key was already applied it
// returns the current account and an error matching ErrDuplicateEntry.
func (a *AccountStore) Mutate(ctx context.Context, userID string, m Mutation) (*models.Account, error) {
	unlock := a.locks.Lock(userID)
	defer unlock()

	start := time.Now()
	defer func() {
		metrics.MutationDuration.WithLabelValues(operationName(m)).Observe(time.Since(start).Seconds())
	}()

	if m.Key != "" {
		applied, err := a.store.HasLedgerEntry(ctx, m.Key)
		if err != nil {
			return nil, err
		}
		if applied {
			return a.replayed(ctx, userID, m.Key)
		}
	}

	for attempt := 0; ; attempt++ {
		acc, err := a.store.GetAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
		before := acc.Clone()
		if err := m.Apply(acc); err != nil {
			return nil, err
		}

		commit := models.AccountCommit{Account: acc, Transaction: m.Transaction}
		if m.Key != "" {
			commit.Entry = &models.LedgerEntry{
				IdempotencyKey:  m.Key,
				UserID:          userID,
				PlayableDelta:   acc.PlayableBalance.Sub(before.PlayableBalance),
				BonusDelta:      acc.BonusBalance.Sub(before.BonusBalance),
				PlayableBalance: acc.PlayableBalance,
				BonusBalance:    acc.BonusBalance,
				CreatedAt:       a.now().UTC(),
			}
		}

		err = a.store.CommitAccount(ctx, commit)
		switch {
		case err == nil:
			return acc, nil
		case errors.Is(err, models.ErrDuplicateEntry):
			return a.replayed(ctx, userID, m.Key)
		case errors.Is(err, models.ErrVersionConflict) && attempt < a.maxRetries:
			metrics.CASConflicts.Inc()
			logger.Log.Debug("account version conflict, retrying",
				zap.String("user_id", userID), zap.Int("attempt", attempt+1))
			continue
		default:
			return nil, err
		}
	}
}

func (a *AccountStore) replayed(ctx context.Context, userID, key string) (*models.Account, error) {
	metrics.IdempotentReplays.WithLabelValues("apply_delta").Inc()
	acc, err := a.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return acc, fmt.Errorf("key %s: %w", key, models.ErrDuplicateEntry)
}

func operationName(m Mutation) string {
	if m.Transaction != nil {
		return "transition"
	}
	if m.Key != "" {
		return "apply_delta"
	}
	return "profile"
}

func generateReferralCode(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, c := range b {
		sb.WriteByte(referralCodeAlphabet[int(c)%len(referralCodeAlphabet)])
	}
	return sb.String(), nil
}
