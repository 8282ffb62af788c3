package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cryptoquiz/backend/internal/audit"
	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/metrics"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProofUploader stores a deposit proof and returns its public URL.
type ProofUploader interface {
	Upload(ctx context.Context, userID, filename string, body io.Reader) (string, error)
}

// DepositRequest is a user's claim that funds were sent to the platform
// address. Either ProofURL or Proof must be set.
type DepositRequest struct {
	UserID    string
	Amount    decimal.Decimal
	Network   string
	TxHash    string
	ProofURL  string
	Proof     io.Reader
	ProofName string
}

// WithdrawalRequest asks for a payout. RequestID is an optional client
// idempotency key.
type WithdrawalRequest struct {
	UserID    string
	Amount    decimal.Decimal
	Network   string
	Address   string
	RequestID string
}

// ApprovalWorkflow moves deposits and withdrawals through admin review.
// Balances change only on approval, through TransactionLog.Transition.
type ApprovalWorkflow struct {
	txlog    *TransactionLog
	accounts *AccountStore
	uploader ProofUploader
	limiter  *RateLimiter
	audit    *audit.Logger
	cfg      config.LedgerConfig
}

func NewApprovalWorkflow(txlog *TransactionLog, accounts *AccountStore, uploader ProofUploader, limiter *RateLimiter, auditLog *audit.Logger, cfg config.LedgerConfig) *ApprovalWorkflow {
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	return &ApprovalWorkflow{
		txlog:    txlog,
		accounts: accounts,
		uploader: uploader,
		limiter:  limiter,
		audit:    auditLog,
		cfg:      cfg,
	}
}

// WithdrawalFee is the percentage fee (percent of amount) plus the fixed fee.
func (w *ApprovalWorkflow) WithdrawalFee(amount decimal.Decimal) decimal.Decimal {
	pct := amount.Mul(w.cfg.WithdrawalFeePercentage).Div(decimal.NewFromInt(100))
	return pct.Add(w.cfg.WithdrawalFeeFixed).Round(8)
}

func (w *ApprovalWorkflow) RequestDeposit(ctx context.Context, req DepositRequest) (*models.Transaction, error) {
	if req.UserID == "" {
		return nil, models.NewValidationError("userId", "required")
	}
	if !req.Amount.IsPositive() || req.Amount.LessThan(w.cfg.MinDeposit) {
		return nil, models.NewValidationError("amount", "minimum deposit is %s", w.cfg.MinDeposit)
	}
	if err := checkAmountPlaces("amount", req.Amount); err != nil {
		return nil, err
	}
	network, err := NormalizeNetwork(req.Network)
	if err != nil {
		return nil, err
	}
	txHash := strings.TrimSpace(req.TxHash)
	if txHash == "" {
		return nil, models.NewValidationError("txHash", "required")
	}
	if req.ProofURL == "" && req.Proof == nil {
		return nil, models.NewValidationError("proof", "a payment proof is required")
	}

	if _, err := w.activeAccount(ctx, req.UserID); err != nil {
		return nil, err
	}

	reference := network + ":" + txHash
	if existing, err := w.txlog.FindByReference(ctx, req.UserID, models.TxDeposit, reference); err == nil {
		return existing, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if err := w.checkHashUnclaimed(ctx, req.UserID, reference, ""); err != nil {
		return nil, err
	}

	if err := w.limiter.Allow(ctx, "deposit", req.UserID); err != nil {
		return nil, err
	}

	proofURL := req.ProofURL
	if proofURL == "" {
		if w.uploader == nil {
			return nil, models.NewValidationError("proof", "file uploads are not available, send a proof URL")
		}
		proofURL, err = w.uploader.Upload(ctx, req.UserID, req.ProofName, req.Proof)
		if err != nil {
			return nil, err
		}
	}

	tx, err := w.txlog.Create(ctx, &models.Transaction{
		UserID:    req.UserID,
		Type:      models.TxDeposit,
		Amount:    req.Amount,
		TxHash:    txHash,
		Reference: reference,
		Details: models.Metadata{
			models.DetailProofURL:     proofURL,
			models.DetailNetwork:      network,
			models.DetailExternalTxID: txHash,
		},
	})
	if err != nil {
		return nil, err
	}
	w.audit.LogOperation(req.UserID, req.UserID, "DEPOSIT_REQUESTED", tx.ID)
	return tx, nil
}

// RequestWithdrawal records a payout request. Funds are neither reserved nor
// checked here; ApproveWithdrawal is the authoritative balance check.
func (w *ApprovalWorkflow) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*models.Transaction, error) {
	if req.UserID == "" {
		return nil, models.NewValidationError("userId", "required")
	}
	if !req.Amount.IsPositive() || req.Amount.LessThan(w.cfg.MinWithdrawal) {
		return nil, models.NewValidationError("amount", "minimum withdrawal is %s", w.cfg.MinWithdrawal)
	}
	if err := checkAmountPlaces("amount", req.Amount); err != nil {
		return nil, err
	}
	network, err := NormalizeNetwork(req.Network)
	if err != nil {
		return nil, err
	}
	addr := strings.TrimSpace(req.Address)
	if err := ValidateAddress(network, addr); err != nil {
		return nil, err
	}

	if _, err := w.activeAccount(ctx, req.UserID); err != nil {
		return nil, err
	}

	if req.RequestID != "" {
		existing, err := w.txlog.FindByReference(ctx, req.UserID, models.TxWithdrawal, req.RequestID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}

	if err := w.limiter.Allow(ctx, "withdrawal", req.UserID); err != nil {
		return nil, err
	}

	tx, err := w.txlog.Create(ctx, &models.Transaction{
		UserID:    req.UserID,
		Type:      models.TxWithdrawal,
		Amount:    req.Amount,
		Fee:       w.WithdrawalFee(req.Amount),
		Reference: req.RequestID,
		Details: models.Metadata{
			models.DetailAddress: addr,
			models.DetailNetwork: network,
		},
	})
	if err != nil {
		return nil, err
	}
	w.audit.LogOperation(req.UserID, req.UserID, "WITHDRAWAL_REQUESTED", tx.ID)
	return tx, nil
}

// ApproveDeposit credits playable balance and marks the account as having
// deposited.
func (w *ApprovalWorkflow) ApproveDeposit(ctx context.Context, txID, adminID string) (*models.Transaction, error) {
	tx, err := w.reviewable(ctx, txID, adminID, models.TxDeposit)
	if err != nil {
		return nil, err
	}
	if tx.Detail(models.DetailProofURL) == "" {
		return nil, models.NewValidationError("proofUrl", "deposit %s has no proof attached", txID)
	}
	if err := w.checkHashUnclaimed(ctx, tx.UserID, tx.Reference, tx.ID); err != nil {
		return nil, err
	}

	out, applied, err := w.txlog.transition(ctx, txID, models.StatusCompleted, TransitionOptions{ActorID: adminID})
	return w.decided(out, applied, err, adminID, "approve", "")
}

func (w *ApprovalWorkflow) RejectDeposit(ctx context.Context, txID, adminID, reason string) (*models.Transaction, error) {
	return w.reject(ctx, txID, adminID, reason, models.TxDeposit)
}

// ApproveWithdrawal debits amount plus fee all-or-nothing. On
// ErrInsufficientBalance the transaction stays pending for another decision.
func (w *ApprovalWorkflow) ApproveWithdrawal(ctx context.Context, txID, adminID, payoutTxHash string) (*models.Transaction, error) {
	payoutTxHash = strings.TrimSpace(payoutTxHash)
	if payoutTxHash == "" {
		return nil, models.NewValidationError("txHash", "payout transaction hash is required")
	}
	if _, err := w.reviewable(ctx, txID, adminID, models.TxWithdrawal); err != nil {
		return nil, err
	}

	out, applied, err := w.txlog.transition(ctx, txID, models.StatusCompleted, TransitionOptions{
		ActorID: adminID,
		TxHash:  payoutTxHash,
	})
	return w.decided(out, applied, err, adminID, "approve", "")
}

func (w *ApprovalWorkflow) RejectWithdrawal(ctx context.Context, txID, adminID, reason string) (*models.Transaction, error) {
	return w.reject(ctx, txID, adminID, reason, models.TxWithdrawal)
}

func (w *ApprovalWorkflow) reject(ctx context.Context, txID, adminID, reason string, txType models.TransactionType) (*models.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.NewValidationError("reason", "required")
	}
	if _, err := w.reviewable(ctx, txID, adminID, txType); err != nil {
		return nil, err
	}

	out, applied, err := w.txlog.transition(ctx, txID, models.StatusRejected, TransitionOptions{
		ActorID: adminID,
		Reason:  reason,
	})
	return w.decided(out, applied, err, adminID, "reject", reason)
}

func (w *ApprovalWorkflow) reviewable(ctx context.Context, txID, adminID string, txType models.TransactionType) (*models.Transaction, error) {
	if adminID == "" {
		return nil, models.NewValidationError("adminId", "required")
	}
	tx, err := w.txlog.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Type != txType {
		return nil, models.NewValidationError("type", "transaction %s is a %s, not a %s", txID, tx.Type, txType)
	}
	return tx, nil
}

// decided records a decision once; replays return the stored transaction
// without logging it again.
func (w *ApprovalWorkflow) decided(tx *models.Transaction, applied bool, err error, adminID, decision, reason string) (*models.Transaction, error) {
	if err != nil {
		logger.Log.Warn("admin decision failed",
			zap.String("admin_id", adminID),
			zap.String("decision", decision),
			zap.Error(err))
		return nil, err
	}
	if !applied {
		return tx, nil
	}
	metrics.AdminDecisions.WithLabelValues(string(tx.Type), decision).Inc()
	w.audit.LogDecision(tx.ID, tx.UserID, adminID, fmt.Sprintf("%s_%s", tx.Type, decision), reason)
	return tx, nil
}

// checkHashUnclaimed refuses an on-chain payment that another account has
// already claimed, unless that claim was rejected or failed.
func (w *ApprovalWorkflow) checkHashUnclaimed(ctx context.Context, userID, reference, exceptID string) error {
	claims, err := w.txlog.store.ListTransactions(ctx, models.TransactionFilter{
		Reference: reference,
		Types:     []models.TransactionType{models.TxDeposit},
		Statuses:  []models.TransactionStatus{models.StatusPending, models.StatusCompleted},
	})
	if err != nil {
		return err
	}
	for _, c := range claims {
		if c.UserID != userID && c.ID != exceptID {
			logger.Log.Warn("deposit hash claimed by more than one account",
				zap.String("reference", reference),
				zap.String("user_id", userID),
				zap.String("other_transaction_id", c.ID))
			return fmt.Errorf("deposit %s was already submitted by another account: %w", reference, models.ErrAlreadyExists)
		}
	}
	return nil
}

func (w *ApprovalWorkflow) activeAccount(ctx context.Context, userID string) (*models.Account, error) {
	acc, err := w.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !acc.IsActive() {
		return nil, fmt.Errorf("account %s is %s: %w", userID, acc.Status, models.ErrAccountNotActive)
	}
	return acc, nil
}
