package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// Publish publishes a transaction event to Redis
func (p *RedisPublisher) Publish(ctx context.Context, event *TransactionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	logger.Log.Debug("transaction event published",
		zap.String("event_type", event.EventType),
		zap.String("user_id", event.UserID),
		zap.String("transaction_id", event.Transaction.ID))
	return nil
}

// RedisSubscriber relays events published by any instance to a local
// publisher, typically the websocket notifier.
type RedisSubscriber struct {
	rdb     *redis.Client
	channel string
	target  Publisher
}

func NewRedisSubscriber(rdb *redis.Client, channel string, target Publisher) *RedisSubscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSubscriber{rdb: rdb, channel: channel, target: target}
}

// Start subscribes and returns once the subscription is confirmed. Messages
// are relayed until ctx is cancelled.
func (s *RedisSubscriber) Start(ctx context.Context) error {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	logger.Log.Info("subscribed to transaction events", zap.String("channel", s.channel))
	go s.listen(ctx, pubsub)
	return nil
}

func (s *RedisSubscriber) listen(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.relay(ctx, msg.Payload)
		}
	}
}

func (s *RedisSubscriber) relay(ctx context.Context, payload string) {
	var event TransactionEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		logger.Log.Warn("dropping malformed transaction event", zap.Error(err))
		return
	}
	if err := s.target.Publish(ctx, &event); err != nil {
		logger.Log.Warn("relay transaction event", zap.String("transaction_id", event.Transaction.ID), zap.Error(err))
	}
}
