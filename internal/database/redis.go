package database

import (
	"context"
	"time"

	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// InitRedis returns nil when Redis is disabled or unreachable; callers run
// without the cache and pub/sub in that case.
func InitRedis(cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}

	addr := cfg.Host + ":" + cfg.Port
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Log.Warn("redis connection failed, continuing without redis", zap.String("addr", addr), zap.Error(err))
		rdb.Close()
		return nil
	}

	logger.Log.Info("redis connection established", zap.String("addr", addr))
	return rdb
}
