package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cryptoquiz/backend/internal/audit"
	"github.com/cryptoquiz/backend/internal/events"
	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/metrics"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/cryptoquiz/backend/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransitionOptions carries the decision metadata of a status change.
// Mutate runs under the account lock before the signed delta is applied and
// lets callers update other account fields in the same write.
type TransitionOptions struct {
	Reason  string
	TxHash  string
	ActorID string
	Mutate  func(acc *models.Account) error
}

// TransactionLog owns transaction creation and the status state machine.
type TransactionLog struct {
	store    store.Store
	accounts *AccountStore
	events   events.Fanout
	audit    *audit.Logger
	now      func() time.Time

	entropyMu sync.Mutex
	entropy   io.Reader
}

func NewTransactionLog(s store.Store, accounts *AccountStore, publisher events.Publisher, auditLog *audit.Logger) *TransactionLog {
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	return &TransactionLog{
		store:    s,
		accounts: accounts,
		events:   events.Fanout{publisher},
		audit:    auditLog,
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// AddPublisher registers another sink for lifecycle events. Call it during
// wiring, before the log is used concurrently.
func (l *TransactionLog) AddPublisher(p events.Publisher) {
	l.events = append(l.events, p)
}

// NewID returns a ULID, so ids sort by creation time.
func (l *TransactionLog) NewID() string {
	l.entropyMu.Lock()
	defer l.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(l.now()), l.entropy).String()
}

// Create stores tx as pending. A replay with the same id, or the same
// (user, type, reference), returns the stored transaction unchanged.
func (l *TransactionLog) Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if err := validateNewTransaction(tx); err != nil {
		return nil, err
	}

	tx = tx.Clone()
	if tx.ID == "" {
		tx.ID = l.NewID()
	}
	tx.Status = models.StatusPending
	tx.Timestamp = l.now().UTC()
	tx.ProcessedAt = nil

	err := l.store.CreateTransaction(ctx, tx)
	if errors.Is(err, models.ErrAlreadyExists) {
		return l.existing(ctx, tx)
	}
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	metrics.TransactionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	logger.Log.Info("transaction created",
		zap.String("transaction_id", tx.ID),
		zap.String("user_id", tx.UserID),
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.String()))
	l.publish(ctx, tx)
	return tx, nil
}

func (l *TransactionLog) existing(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	stored, err := l.store.GetTransaction(ctx, tx.ID)
	if errors.Is(err, models.ErrNotFound) && tx.Reference != "" {
		stored, err = l.store.FindTransactionByReference(ctx, tx.UserID, tx.Type, tx.Reference)
	}
	if err != nil {
		return nil, err
	}
	if stored.UserID != tx.UserID || stored.Type != tx.Type {
		return nil, fmt.Errorf("transaction %s: %w", tx.ID, models.ErrAlreadyExists)
	}
	metrics.IdempotentReplays.WithLabelValues("create").Inc()
	return stored, nil
}

func validateNewTransaction(tx *models.Transaction) error {
	if tx.UserID == "" {
		return models.NewValidationError("userId", "required")
	}
	if !tx.Type.Valid() {
		return models.NewValidationError("type", "unknown transaction type %q", tx.Type)
	}
	if !tx.Amount.IsPositive() {
		return models.NewValidationError("amount", "must be greater than zero")
	}
	if err := checkAmountPlaces("amount", tx.Amount); err != nil {
		return err
	}
	if tx.Fee.IsNegative() {
		return models.NewValidationError("fee", "must not be negative")
	}
	return checkAmountPlaces("fee", tx.Fee)
}

func (l *TransactionLog) Get(ctx context.Context, id string) (*models.Transaction, error) {
	if id == "" {
		return nil, models.NewValidationError("id", "required")
	}
	return l.store.GetTransaction(ctx, id)
}

// FindByReference looks up the transaction a caller created under reference.
func (l *TransactionLog) FindByReference(ctx context.Context, userID string, txType models.TransactionType, reference string) (*models.Transaction, error) {
	if reference == "" {
		return nil, models.NewValidationError("reference", "required")
	}
	return l.store.FindTransactionByReference(ctx, userID, txType, reference)
}

// Transition moves a pending transaction to a terminal status. Completing
// applies the signed delta in the same write as the status change.
// Repeating the current terminal status is a no-op.
func (l *TransactionLog) Transition(ctx context.Context, id string, to models.TransactionStatus, opts TransitionOptions) (*models.Transaction, error) {
	tx, _, err := l.transition(ctx, id, to, opts)
	return tx, err
}

// transition also reports whether this call made the change, as opposed to
// finding it already made.
func (l *TransactionLog) transition(ctx context.Context, id string, to models.TransactionStatus, opts TransitionOptions) (*models.Transaction, bool, error) {
	tx, err := l.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if tx.Status == to && to.Terminal() {
		metrics.IdempotentReplays.WithLabelValues("transition").Inc()
		return tx, false, nil
	}
	if tx.Status != models.StatusPending || !to.Terminal() {
		return nil, false, fmt.Errorf("transaction %s: %s -> %s: %w", id, tx.Status, to, models.ErrInvalidTransition)
	}

	upd := models.TransactionUpdate{
		ID:          id,
		From:        models.StatusPending,
		To:          to,
		Reason:      opts.Reason,
		TxHash:      opts.TxHash,
		ProcessedBy: opts.ActorID,
		ProcessedAt: l.now().UTC(),
	}

	var acc *models.Account
	if to == models.StatusCompleted {
		delta := tx.SignedDelta()
		acc, err = l.accounts.Mutate(ctx, tx.UserID, Mutation{
			Key:         tx.ID,
			Transaction: &upd,
			Apply: func(acc *models.Account) error {
				if opts.Mutate != nil {
					if err := opts.Mutate(acc); err != nil {
						return err
					}
				}
				return delta.ApplyTo(acc)
			},
		})
	} else {
		err = l.store.UpdateTransactionStatus(ctx, upd)
	}
	if errors.Is(err, models.ErrDuplicateEntry) || errors.Is(err, models.ErrInvalidTransition) {
		// decided concurrently: succeed only if it landed where we wanted
		current, getErr := l.store.GetTransaction(ctx, id)
		if getErr == nil && current.Status == to {
			metrics.IdempotentReplays.WithLabelValues("transition").Inc()
			return current, false, nil
		}
		return nil, false, fmt.Errorf("transaction %s: %w", id, models.ErrInvalidTransition)
	}
	if err != nil {
		if !errors.Is(err, models.ErrInsufficientBalance) {
			l.audit.LogError(id, tx.UserID, err)
		}
		return nil, false, err
	}

	tx, err = l.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, false, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	// only completions move money
	amount := decimal.Zero
	if acc != nil {
		amount = tx.Amount
	}
	l.audit.LogMutation(tx.ID, tx.UserID, auditOperation(tx), amount, string(tx.Status))
	logger.Log.Info("transaction transitioned",
		zap.String("transaction_id", tx.ID),
		zap.String("user_id", tx.UserID),
		zap.String("status", string(tx.Status)))
	l.publish(ctx, tx)
	return tx, true, nil
}

// Fail marks a pending transaction failed, e.g. when its completion could
// not be applied.
func (l *TransactionLog) Fail(ctx context.Context, id, reason string) (*models.Transaction, error) {
	return l.Transition(ctx, id, models.StatusFailed, TransitionOptions{Reason: reason, ActorID: "system"})
}

// ListByUser pages through a user's transactions, newest first.
func (l *TransactionLog) ListByUser(ctx context.Context, userID string, filter models.TransactionFilter) (*models.TransactionPage, error) {
	if userID == "" {
		return nil, models.NewValidationError("userId", "required")
	}
	filter.UserID = userID
	return l.list(ctx, filter)
}

// ListPending is the admin review queue. Only reviewable types are listed
// unless the filter narrows types itself.
func (l *TransactionLog) ListPending(ctx context.Context, filter models.TransactionFilter) (*models.TransactionPage, error) {
	filter.Statuses = []models.TransactionStatus{models.StatusPending}
	if len(filter.Types) == 0 {
		filter.Types = []models.TransactionType{models.TxDeposit, models.TxWithdrawal}
	}
	return l.list(ctx, filter)
}

func (l *TransactionLog) list(ctx context.Context, filter models.TransactionFilter) (*models.TransactionPage, error) {
	filter.Limit = store.PageSize(filter.Limit)
	txs, err := l.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}
	page := &models.TransactionPage{Transactions: txs}
	if len(txs) == filter.Limit {
		page.NextCursor = txs[len(txs)-1].ID
	}
	return page, nil
}

func (l *TransactionLog) publish(ctx context.Context, tx *models.Transaction) {
	item := ProjectActivity(tx)
	if err := l.events.Publish(ctx, events.NewTransactionEvent(tx, &item)); err != nil {
		metrics.EventPublishErrors.Inc()
		logger.Log.Warn("publish transaction event", zap.String("transaction_id", tx.ID), zap.Error(err))
	}
}

func auditOperation(tx *models.Transaction) string {
	return fmt.Sprintf("%s_%s", tx.Type, tx.Status)
}
