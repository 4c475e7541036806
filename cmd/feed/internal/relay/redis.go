package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RedisRelay keeps the last committed batch under a key and publishes every
// batch on a channel, both in one pipeline.
type RedisRelay struct {
	*worker
	rdb         RedisClient
	channel     string
	snapshotKey string
	ttl         time.Duration
}

func NewRedisRelay(rdb RedisClient, channel, snapshotKey string, ttl time.Duration, logger *zap.Logger) *RedisRelay {
	r := &RedisRelay{
		rdb:         rdb,
		channel:     channel,
		snapshotKey: snapshotKey,
		ttl:         ttl,
	}
	r.worker = newWorker("redis", defaultQueueSize, r.publish, logger)
	return r
}

func (r *RedisRelay) publish(ctx context.Context, payload []byte) error {
	// Atomic Update via Pipeline
	pipe := r.rdb.Pipeline()
	if r.snapshotKey != "" {
		pipe.Set(ctx, r.snapshotKey, payload, r.ttl)
	}
	pipe.Publish(ctx, r.channel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}
