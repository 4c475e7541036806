package listener

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Broadcaster delivers a serialized batch to local subscribers. *hub.Hub implements it.
type Broadcaster interface {
	BroadcastBytes(payload []byte) int
}

// Listener relays batches the feed publishes on Redis to this gateway's subscribers.
type Listener struct {
	client      *redis.Client
	hub         Broadcaster
	channel     string
	snapshotKey string
	logger      *zap.Logger
}

func New(client *redis.Client, hub Broadcaster, channel, snapshotKey string, logger *zap.Logger) *Listener {
	return &Listener{
		client:      client,
		hub:         hub,
		channel:     channel,
		snapshotKey: snapshotKey,
		logger:      logger,
	}
}

// Snapshot returns the last committed batch, or nil when none is stored.
func (l *Listener) Snapshot(ctx context.Context) ([]byte, error) {
	payload, err := l.client.Get(ctx, l.snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return payload, nil
}

// Run is a blocking loop that forwards every published batch until ctx ends.
func (l *Listener) Run(ctx context.Context) error {
	pubsub := l.client.Subscribe(ctx, l.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", l.channel, err)
	}
	l.logger.Info("Listening for batches", zap.String("channel", l.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			delivered := l.hub.BroadcastBytes([]byte(msg.Payload))
			l.logger.Debug("Batch relayed", zap.Int("bytes", len(msg.Payload)), zap.Int("delivered", delivered))
		}
	}
}
