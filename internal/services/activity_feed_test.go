package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cryptoquiz/backend/internal/events"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLister struct {
	page  *models.TransactionPage
	calls int
}

func (s *stubLister) ListByUser(ctx context.Context, userID string, filter models.TransactionFilter) (*models.TransactionPage, error) {
	s.calls++
	return s.page, nil
}

func TestProjectActivity(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	processed := ts.Add(time.Hour)

	deposit := &models.Transaction{
		ID:        "tx1",
		Type:      models.TxDeposit,
		Status:    models.StatusPending,
		Amount:    dec("25"),
		Timestamp: ts,
		Details:   models.Metadata{models.DetailNetwork: "TRC20"},
	}
	item := ProjectActivity(deposit)
	assert.Equal(t, "Deposit pending review", item.Title)
	assert.Equal(t, "25 USDT via TRC20", item.Description)
	assert.Equal(t, ts, item.Time)
	assert.Equal(t, item, ProjectActivity(deposit))

	rejected := *deposit
	rejected.Status = models.StatusRejected
	rejected.Reason = "blurry proof"
	rejected.ProcessedAt = &processed
	item = ProjectActivity(&rejected)
	assert.Equal(t, "Deposit rejected", item.Title)
	assert.Contains(t, item.Description, "blurry proof")
	assert.Equal(t, processed, item.Time)

	welcome := &models.Transaction{
		ID:      "tx2",
		Type:    models.TxReferralBonus,
		Status:  models.StatusCompleted,
		Amount:  dec("2"),
		Details: models.Metadata{models.DetailReferralSide: "welcome"},
	}
	assert.Equal(t, "Welcome bonus", ProjectActivity(welcome).Title)

	fee := &models.Transaction{ID: "tx3", Type: models.TxEntryFee, Status: models.StatusFailed, Amount: dec("3")}
	item = ProjectActivity(fee)
	assert.Equal(t, "Tournament entry (failed)", item.Title)
	assert.Equal(t, "-3 USDT", item.Description)
}

func TestActivityFeed_ListFromCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	lister := &stubLister{}
	feed := NewActivityFeed(lister, rdb)

	cached := models.ActivityItem{TransactionID: "tx1", Title: "Daily bonus", Icon: "🎁"}
	b, err := json.Marshal(cached)
	require.NoError(t, err)
	mock.ExpectLRange("activity:u1", 0, 9).SetVal([]string{string(b)})

	items, err := feed.List(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "tx1", items[0].TransactionID)
	assert.Zero(t, lister.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestActivityFeed_RebuildsOnMiss(t *testing.T) {
	mr, rdb := newMiniredis(t)
	tx := models.Transaction{
		ID:        "tx1",
		UserID:    "u1",
		Type:      models.TxDailyBonus,
		Status:    models.StatusCompleted,
		Amount:    dec("1"),
		Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	lister := &stubLister{page: &models.TransactionPage{Transactions: []models.Transaction{tx}}}
	feed := NewActivityFeed(lister, rdb)

	items, err := feed.List(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Daily bonus", items[0].Title)
	assert.Equal(t, 1, lister.calls)

	b, err := json.Marshal(ProjectActivity(&tx))
	require.NoError(t, err)
	cached, err := mr.List("activity:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{string(b)}, cached)
	assert.Equal(t, defaultActivityTTL, mr.TTL("activity:u1"))

	// served from the cache now
	_, err = feed.List(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, lister.calls)
}

func TestActivityFeed_PublishInvalidates(t *testing.T) {
	mr, rdb := newMiniredis(t)
	feed := NewActivityFeed(&stubLister{}, rdb)
	_, err := mr.Push("activity:u1", `{"transactionId":"tx0"}`)
	require.NoError(t, err)

	err = feed.Publish(context.Background(), &events.TransactionEvent{
		Transaction: models.Transaction{ID: "tx1", UserID: "u1"},
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("activity:u1"))
	gen, err := mr.Get("activity:gen:u1")
	require.NoError(t, err)
	assert.Equal(t, "1", gen)
}

// committingLister commits another change right after the log is read,
// the way a concurrent request would.
type committingLister struct {
	transactionLister
	between func()
}

func (l *committingLister) ListByUser(ctx context.Context, userID string, filter models.TransactionFilter) (*models.TransactionPage, error) {
	page, err := l.transactionLister.ListByUser(ctx, userID, filter)
	if l.between != nil {
		between := l.between
		l.between = nil
		between()
	}
	return page, err
}

func TestActivityFeed_RebuildDoesNotRestoreStaleList(t *testing.T) {
	mr, rdb := newMiniredis(t)
	f := newFixture(t)
	f.open(t, "u1")
	ctx := context.Background()

	lister := &committingLister{transactionLister: f.txlog}
	feed := NewActivityFeed(lister, rdb)
	f.txlog.AddPublisher(feed)

	_, err := f.bonus.Credit(ctx, RewardRequest{UserID: "u1", Type: models.TxQuizReward, Amount: dec("3"), Reference: "quiz:1"})
	require.NoError(t, err)

	lister.between = func() {
		_, err := f.bonus.ClaimDailyBonus(ctx, "u1")
		require.NoError(t, err)
	}
	items, err := feed.List(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.False(t, mr.Exists("activity:u1"), "stale rebuild must not be cached")

	items, err = feed.List(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.ElementsMatch(t, []string{"Quiz reward", "Daily bonus"}, []string{items[0].Title, items[1].Title})
	assert.Equal(t, defaultActivityTTL, mr.TTL("activity:u1"))
}

func TestActivityFeed_RedisDown(t *testing.T) {
	mr, rdb := newMiniredis(t)
	f := newFixture(t)
	f.open(t, "u1")
	feed := NewActivityFeed(f.txlog, rdb)

	_, err := f.bonus.ClaimDailyBonus(context.Background(), "u1")
	require.NoError(t, err)
	mr.Close()

	items, err := feed.List(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Daily bonus", items[0].Title)
}

func TestActivityFeed_WithoutRedis(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "u1", "10")
	feed := NewActivityFeed(f.txlog, nil)

	_, err := f.bonus.ClaimDailyBonus(context.Background(), "u1")
	require.NoError(t, err)

	items, err := feed.List(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Daily bonus", items[0].Title)
}
