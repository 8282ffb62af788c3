package services

import (
	"context"
	"testing"
	"time"

	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_Sweep(t *testing.T) {
	f := newFixture(t, func(c *config.LedgerConfig) {
		c.PendingExpiry = 72 * time.Hour
	})
	f.open(t, "u1")
	ctx := context.Background()

	now := time.Now()
	f.txlog.now = func() time.Time { return now.Add(-100 * time.Hour) }
	stale, err := f.txlog.Create(ctx, newDeposit("u1", "10"))
	require.NoError(t, err)
	decided, err := f.txlog.Create(ctx, newDeposit("u1", "11"))
	require.NoError(t, err)
	_, err = f.workflow.RejectDeposit(ctx, decided.ID, "admin", "bad proof")
	require.NoError(t, err)

	f.txlog.now = func() time.Time { return now }
	fresh, err := f.txlog.Create(ctx, newDeposit("u1", "12"))
	require.NoError(t, err)

	sw := NewSweeper(f.txlog, f.cfg)
	sw.now = func() time.Time { return now }

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.txlog.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Reason, "expired")

	got, err = f.txlog.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	got, err = f.txlog.Get(ctx, decided.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)

	assert.True(t, f.account(t, "u1").PlayableBalance.IsZero())

	n, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_StartDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.LedgerConfig) {
		c.PendingExpiry = 0
	})
	sw := NewSweeper(f.txlog, f.cfg)
	require.NoError(t, sw.Start())
	assert.Nil(t, sw.scheduler)
	assert.NoError(t, sw.Stop())
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t, func(c *config.LedgerConfig) {
		c.PendingExpiry = time.Hour
		c.SweepInterval = time.Hour
	})
	sw := NewSweeper(f.txlog, f.cfg)
	require.NoError(t, sw.Start())
	assert.NotNil(t, sw.scheduler)
	assert.NoError(t, sw.Stop())
}
