package services

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/cryptoquiz/backend/internal/audit"
	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/events"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/cryptoquiz/backend/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type MockProofUploader struct {
	mock.Mock
}

func (m *MockProofUploader) Upload(ctx context.Context, userID, filename string, body io.Reader) (string, error) {
	args := m.Called(userID, filename)
	return args.String(0), args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.TransactionEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, e *events.TransactionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

// flakyStore fails CommitAccount for one user a fixed number of times.
// With entriesOnly set, profile-only writes pass through.
type flakyStore struct {
	store.Store
	mu          sync.Mutex
	userID      string
	failures    int
	entriesOnly bool
	err         error
}

func (f *flakyStore) CommitAccount(ctx context.Context, commit models.AccountCommit) error {
	f.mu.Lock()
	if commit.Account.UserID == f.userID && f.failures > 0 && (commit.Entry != nil || !f.entriesOnly) {
		f.failures--
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return f.Store.CommitAccount(ctx, commit)
}

type ledgerFixture struct {
	store     store.Store
	accounts  *AccountStore
	txlog     *TransactionLog
	bonus     *BonusEngine
	workflow  *ApprovalWorkflow
	uploader  *MockProofUploader
	published *recordingPublisher
	auditLogs *observer.ObservedLogs
	cfg       config.LedgerConfig
}

func newFixture(t *testing.T, opts ...func(*config.LedgerConfig)) *ledgerFixture {
	return newFixtureWithStore(t, store.NewMemoryStore(), opts...)
}

func newFixtureWithStore(t *testing.T, s store.Store, opts ...func(*config.LedgerConfig)) *ledgerFixture {
	t.Helper()
	cfg := config.DefaultLedger()
	for _, o := range opts {
		o(&cfg)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	auditLog := audit.NewLogger(zap.New(core))
	published := &recordingPublisher{}
	uploader := new(MockProofUploader)

	accounts := NewAccountStore(s, cfg, auditLog)
	txlog := NewTransactionLog(s, accounts, published, auditLog)
	return &ledgerFixture{
		store:     s,
		accounts:  accounts,
		txlog:     txlog,
		bonus:     NewBonusEngine(s, accounts, txlog, auditLog, cfg),
		workflow:  NewApprovalWorkflow(txlog, accounts, uploader, nil, auditLog, cfg),
		uploader:  uploader,
		published: published,
		auditLogs: logs,
		cfg:       cfg,
	}
}

func (f *ledgerFixture) open(t *testing.T, userID string) *models.Account {
	t.Helper()
	acc, _, err := f.accounts.Open(context.Background(), userID, "user_"+userID)
	require.NoError(t, err)
	return acc
}

// seed credits playable balance as if a deposit had completed.
func (f *ledgerFixture) seed(t *testing.T, userID string, playable string) *models.Account {
	t.Helper()
	amount := decimal.RequireFromString(playable)
	acc, err := f.accounts.ApplyDelta(context.Background(), userID, "seed:"+userID+":"+playable, models.BalanceDelta{
		Playable:      amount,
		Deposited:     amount,
		MarkDeposited: true,
	})
	require.NoError(t, err)
	return acc
}

func (f *ledgerFixture) account(t *testing.T, userID string) *models.Account {
	t.Helper()
	acc, err := f.accounts.Get(context.Background(), userID)
	require.NoError(t, err)
	return acc
}

func (f *ledgerFixture) decisions() int {
	return f.auditLogs.FilterField(zap.String("event_type", "ADMIN_DECISION")).Len()
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
