package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	appLog "stayledger/internal/log"
	"stayledger/internal/model"
)

// Redis shares the block cache between several web processes.
// Redis errors degrade to cache misses.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Ping checks connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]model.ExternalBlock, bool) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			appLog.Error("block cache get failed", err, "key", key)
		}
		return nil, false
	}
	var blocks []model.ExternalBlock
	if err := json.Unmarshal(b, &blocks); err != nil {
		appLog.Error("block cache entry corrupt", err, "key", key)
		return nil, false
	}
	return blocks, true
}

func (r *Redis) Set(ctx context.Context, key string, blocks []model.ExternalBlock, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(blocks)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, b, ttl).Err(); err != nil {
		appLog.Error("block cache set failed", err, "key", key)
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
