// Package audit writes the append-only trail of balance mutations and admin
// decisions as structured log events.
package audit

import (
	"time"

	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Event struct {
	Timestamp     time.Time       `json:"timestamp"`
	EventType     string          `json:"event_type"`
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	ActorID       string          `json:"actor_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	Details       map[string]string `json:"details,omitempty"`
}

type Logger struct {
	log *zap.Logger
}

// NewLogger writes through l, or the global logger when l is nil.
func NewLogger(l *zap.Logger) *Logger {
	if l == nil {
		l = logger.Log
	}
	return &Logger{log: l.Named("audit")}
}

// LogMutation records a committed balance change.
func (a *Logger) LogMutation(transactionID, accountID, operation string, amount decimal.Decimal, status string) {
	a.write(Event{
		Timestamp:     time.Now(),
		EventType:     operation,
		TransactionID: transactionID,
		AccountID:     accountID,
		Amount:        amount,
		Status:        status,
	})
}

// LogDecision records an admin approval or rejection.
func (a *Logger) LogDecision(transactionID, accountID, adminID, decision, reason string) {
	a.write(Event{
		Timestamp:     time.Now(),
		EventType:     "ADMIN_DECISION",
		TransactionID: transactionID,
		AccountID:     accountID,
		ActorID:       adminID,
		Status:        decision,
		Details:       map[string]string{"reason": reason},
	})
}

func (a *Logger) LogError(transactionID, accountID string, err error) {
	a.write(Event{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *Logger) LogOperation(accountID, actorID, operation, details string) {
	a.write(Event{
		Timestamp: time.Now(),
		EventType: operation,
		AccountID: accountID,
		ActorID:   actorID,
		Status:    "SUCCESS",
		Details:   map[string]string{"details": details},
	})
}

func (a *Logger) write(e Event) {
	fields := []zap.Field{
		zap.String("event_type", e.EventType),
		zap.String("transaction_id", e.TransactionID),
		zap.String("account_id", e.AccountID),
		zap.String("status", e.Status),
		zap.Time("timestamp", e.Timestamp),
	}
	if e.ActorID != "" {
		fields = append(fields, zap.String("actor_id", e.ActorID))
	}
	if !e.Amount.IsZero() {
		fields = append(fields, zap.String("amount", e.Amount.String()))
	}
	for k, v := range e.Details {
		fields = append(fields, zap.String(k, v))
	}
	a.log.Info("AUDIT", fields...)
}
