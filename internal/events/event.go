// Package events fans transaction lifecycle events out to Redis pub/sub,
// Kafka and live websocket clients.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/cryptoquiz/backend/internal/models"
)

// DefaultChannel is the Redis pub/sub channel for transaction events.
const DefaultChannel = "transaction_events"

// TransactionEvent is published after every committed status change.
type TransactionEvent struct {
	EventType   string               `json:"event_type"` // transaction.created, transaction.completed, transaction.rejected, transaction.failed
	UserID      string               `json:"user_id"`
	Transaction models.Transaction   `json:"transaction"`
	Activity    *models.ActivityItem `json:"activity,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
}

// NewTransactionEvent derives the event type from the transaction status.
func NewTransactionEvent(tx *models.Transaction, activity *models.ActivityItem) *TransactionEvent {
	eventType := "transaction." + string(tx.Status)
	if tx.Status == models.StatusPending {
		eventType = "transaction.created"
	}
	return &TransactionEvent{
		EventType:   eventType,
		UserID:      tx.UserID,
		Transaction: *tx.Clone(),
		Activity:    activity,
		Timestamp:   time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event *TransactionEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event *TransactionEvent) error

func (f PublisherFunc) Publish(ctx context.Context, event *TransactionEvent) error {
	return f(ctx, event)
}

// Fanout delivers to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event *TransactionEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, *TransactionEvent) error { return nil }
