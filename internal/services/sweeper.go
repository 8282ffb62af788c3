package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/metrics"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Sweeper fails deposits and withdrawals that waited for review longer than
// the configured expiry.
type Sweeper struct {
	txlog     *TransactionLog
	expiry    time.Duration
	interval  time.Duration
	scheduler gocron.Scheduler
	now       func() time.Time
}

func NewSweeper(txlog *TransactionLog, cfg config.LedgerConfig) *Sweeper {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		txlog:    txlog,
		expiry:   cfg.PendingExpiry,
		interval: interval,
		now:      time.Now,
	}
}

// Start schedules Sweep every interval. A zero expiry disables sweeping.
func (s *Sweeper) Start() error {
	if s.expiry <= 0 {
		logger.Log.Info("pending sweeper disabled")
		return nil
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			defer cancel()
			if _, err := s.Sweep(ctx); err != nil {
				logger.Log.Error("pending sweep failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	sched.Start()
	s.scheduler = sched
	logger.Log.Info("pending sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("expiry", s.expiry))
	return nil
}

func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

// Sweep fails every expired pending review and returns how many it moved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.expiry)
	reason := fmt.Sprintf("expired: no decision within %s", s.expiry)

	swept := 0
	filter := models.TransactionFilter{CreatedBefore: cutoff}
	for {
		page, err := s.txlog.ListPending(ctx, filter)
		if err != nil {
			return swept, err
		}
		for i := range page.Transactions {
			tx := &page.Transactions[i]
			_, err := s.txlog.Transition(ctx, tx.ID, models.StatusFailed, TransitionOptions{
				Reason:  reason,
				ActorID: systemActor,
			})
			if errors.Is(err, models.ErrInvalidTransition) {
				// decided while we were sweeping
				continue
			}
			if err != nil {
				return swept, err
			}
			swept++
			metrics.StaleSwept.WithLabelValues(string(tx.Type)).Inc()
		}
		if page.NextCursor == "" {
			break
		}
		filter.Before = page.NextCursor
	}

	if swept > 0 {
		logger.Log.Info("expired pending transactions", zap.Int("count", swept))
	}
	return swept, nil
}
