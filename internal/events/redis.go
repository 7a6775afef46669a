package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// Channel is the Redis pub/sub channel for lifecycle events.
	Channel        = "recordings:events"
	publishTimeout = 5 * time.Second
)

// RedisPublisher publishes events on a Redis channel so every instance can fan them out.
type RedisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPublisher creates a Redis-backed publisher.
func NewRedisPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, logger: logger}
}

// Publish sends e on Channel.
func (r *RedisPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, Channel, body).Err(); err != nil {
		r.logger.Warn("publish event failed", zap.String("type", e.Type), zap.Int64("recording_id", e.RecordingID), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe delivers events to handler until ctx is done.
func (r *RedisPublisher) Subscribe(ctx context.Context, handler func(Event)) error {
	pubsub := r.client.Subscribe(ctx, Channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				r.logger.Debug("skip malformed event", zap.Error(err))
				continue
			}
			handler(e)
		}
	}
}
