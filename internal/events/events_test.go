package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cryptoquiz/backend/internal/models"
	"github.com/go-redis/redismock/v8"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTx(status models.TransactionStatus) *models.Transaction {
	return &models.Transaction{
		ID:        "01HTX",
		UserID:    "u1",
		Type:      models.TxDeposit,
		Amount:    decimal.NewFromInt(10),
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

func TestNewTransactionEvent(t *testing.T) {
	assert.Equal(t, "transaction.created", NewTransactionEvent(sampleTx(models.StatusPending), nil).EventType)
	assert.Equal(t, "transaction.completed", NewTransactionEvent(sampleTx(models.StatusCompleted), nil).EventType)
	assert.Equal(t, "transaction.rejected", NewTransactionEvent(sampleTx(models.StatusRejected), nil).EventType)
}

func TestFanout(t *testing.T) {
	var calls []string
	ok := PublisherFunc(func(ctx context.Context, e *TransactionEvent) error {
		calls = append(calls, "ok")
		return nil
	})
	failing := PublisherFunc(func(ctx context.Context, e *TransactionEvent) error {
		calls = append(calls, "fail")
		return errors.New("down")
	})

	err := Fanout{failing, nil, ok}.Publish(context.Background(), NewTransactionEvent(sampleTx(models.StatusCompleted), nil))
	assert.EqualError(t, err, "down")
	assert.Equal(t, []string{"fail", "ok"}, calls)

	assert.NoError(t, Nop{}.Publish(context.Background(), nil))
}

func TestRedisPublisher(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	p := NewRedisPublisher(rdb, "")

	event := NewTransactionEvent(sampleTx(models.StatusCompleted), nil)
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	mock.ExpectPublish(DefaultChannel, payload).SetVal(1)
	assert.NoError(t, p.Publish(context.Background(), event))

	mock.ExpectPublish(DefaultChannel, payload).SetErr(errors.New("connection refused"))
	err = p.Publish(context.Background(), event)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish event")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSubscriber_Relay(t *testing.T) {
	var got *TransactionEvent
	s := NewRedisSubscriber(nil, "", PublisherFunc(func(ctx context.Context, e *TransactionEvent) error {
		got = e
		return nil
	}))

	s.relay(context.Background(), "not json")
	assert.Nil(t, got)

	payload, _ := json.Marshal(NewTransactionEvent(sampleTx(models.StatusCompleted), nil))
	s.relay(context.Background(), string(payload))
	require.NotNil(t, got)
	assert.Equal(t, "01HTX", got.Transaction.ID)
	assert.True(t, got.Transaction.Amount.Equal(decimal.NewFromInt(10)))
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w)

	require.NoError(t, p.Publish(context.Background(), NewTransactionEvent(sampleTx(models.StatusCompleted), nil)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "u1", string(w.msgs[0].Key))
	assert.Equal(t, "transaction.completed", string(w.msgs[0].Headers[0].Value))

	w.err = errors.New("broker unavailable")
	assert.Error(t, p.Publish(context.Background(), NewTransactionEvent(sampleTx(models.StatusCompleted), nil)))
	assert.NoError(t, p.Close())
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "ledger.transactions")
	assert.Equal(t, "ledger.transactions", w.Topic)
	assert.NoError(t, w.Close())
}

func TestNotifier(t *testing.T) {
	n := NewNotifier()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n.RegisterConnection("u1", conn)
		close(registered)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not registered")
	}
	assert.Equal(t, 1, n.Connections("u1"))

	item := &models.ActivityItem{TransactionID: "01HTX", Title: "Deposit approved"}
	require.NoError(t, n.Publish(context.Background(), NewTransactionEvent(sampleTx(models.StatusCompleted), item)))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string              `json:"type"`
		Data models.ActivityItem `json:"data"`
	}
	require.NoError(t, client.ReadJSON(&msg))
	assert.Equal(t, "activity", msg.Type)
	assert.Equal(t, "Deposit approved", msg.Data.Title)

	// events for other users are not delivered anywhere
	n.Send("u2", WSMessage{Type: "activity"})
	assert.Equal(t, 0, n.Connections("u2"))
}

func TestNotifier_StalledClientDoesNotBlockPublish(t *testing.T) {
	n := NewNotifier()
	upgrader := websocket.Upgrader{}
	registered := make(chan string, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		user := r.URL.Query().Get("user")
		n.RegisterConnection(user, conn)
		registered <- user
	}))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	stalled, _, err := websocket.DefaultDialer.Dial(base+"?user=u1", nil)
	require.NoError(t, err)
	defer stalled.Close()
	reader, _, err := websocket.DefaultDialer.Dial(base+"?user=u2", nil)
	require.NoError(t, err)
	defer reader.Close()
	for i := 0; i < 2; i++ {
		select {
		case <-registered:
		case <-time.After(2 * time.Second):
			t.Fatal("connection was not registered")
		}
	}

	// u1 never reads, so its socket buffers fill up quickly
	big := strings.Repeat("x", 256<<10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 400; i++ {
			n.Send("u1", WSMessage{Type: "activity", Data: big})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishing to a stalled client blocked")
	}
	assert.Eventually(t, func() bool { return n.Connections("u1") == 0 }, 2*time.Second, 10*time.Millisecond)

	sent := make(chan struct{})
	go func() {
		n.Send("u2", WSMessage{Type: "activity", Data: "hello"})
		close(sent)
	}()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("publish for another user blocked")
	}

	reader.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, reader.ReadJSON(&msg))
	assert.Equal(t, "hello", msg.Data)
	assert.Equal(t, 1, n.Connections("u2"))
}
