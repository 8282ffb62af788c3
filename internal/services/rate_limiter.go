package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RateLimiter counts requests per key in a fixed Redis window. It fails
// open when Redis is unavailable or not configured.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, limit: limit, window: window}
}

// Allow counts one request for action by userID and returns ErrRateLimited
// once the window's budget is spent.
func (r *RateLimiter) Allow(ctx context.Context, action, userID string) error {
	if r == nil || r.rdb == nil || r.limit <= 0 {
		return nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", action, userID)
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		logger.Log.Warn("rate limit check failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if count == 1 {
		if err := r.rdb.Expire(ctx, key, r.window).Err(); err != nil {
			logger.Log.Warn("rate limit expire failed", zap.String("key", key), zap.Error(err))
		}
	}
	if count > int64(r.limit) {
		return fmt.Errorf("%s: %w", action, models.ErrRateLimited)
	}
	return nil
}
