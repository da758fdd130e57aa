package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-monitor-backend/internal/infrastructure/config"
)

// redisStore implements Store against a Redis backend.
type redisStore struct {
	client *redis.Client
	logger *zap.Logger
}

func newRedisStore(cfg *config.StoreConfig, logger *zap.Logger) (*redisStore, error) {
	opts := &redis.Options{
		Addr:         cfg.URL,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("redis store initialized",
		zap.String("addr", cfg.URL),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize))

	return &redisStore{client: client, logger: logger}, nil
}

func (r *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, KeyNotFoundError{Key: key}
		}
		r.logger.Error("redis get failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return result, nil
}

func (r *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Error("redis set failed",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logger.Error("redis delete failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (r *redisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)

	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("redis list get failed: %w", err)
		}
		out[key] = val
	}
	if err := iter.Err(); err != nil {
		r.logger.Error("redis scan failed", zap.String("prefix", prefix), zap.Error(err))
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return out, nil
}

func (r *redisStore) AppendSorted(ctx context.Context, key string, score int64, value []byte) error {
	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: value})
	// Keep only the newest BidHistoryCap entries.
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-(BidHistoryCap + 1)))
	pipe.Expire(ctx, key, TTLBidHistory)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("redis append sorted failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis append sorted failed: %w", err)
	}
	return nil
}

func (r *redisStore) ListSorted(ctx context.Context, key string) ([][]byte, error) {
	vals, err := r.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		r.logger.Error("redis zrange failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("redis zrange failed: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *redisStore) Health() Health {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return HealthDown
	}
	return HealthHealthy
}

func (r *redisStore) ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisStore) Close() error {
	if err := r.client.Close(); err != nil {
		r.logger.Error("redis close failed", zap.Error(err))
		return fmt.Errorf("redis close failed: %w", err)
	}
	r.logger.Info("redis store connection closed")
	return nil
}
