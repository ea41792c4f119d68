package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"slotboard/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisRelay publishes envelopes on a Redis pub/sub channel and feeds every
// envelope received on that channel into the local Hub. Each instance runs
// one relay, so an event published anywhere reaches every instance's
// subscribers.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *Hub
	log     *logger.Logger
}

func NewRedisRelay(client *redis.Client, channel string, local *Hub, log *logger.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		local:   local,
		log:     log.Component("broadcast-relay"),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Subscribe blocks until the channel subscription is confirmed, then relays
// messages in the background until ctx is cancelled. The returned channel is
// closed when relaying stops.
func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pubsub.Close()
		r.relay(ctx, pubsub.Channel())
	}()

	r.log.Info("Relaying broadcast events", "channel", r.channel)
	return done, nil
}

func (r *RedisRelay) relay(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Error("Discarding malformed envelope", "error", err)
				continue
			}
			if err := r.local.Publish(ctx, env); err != nil {
				r.log.Warn("Failed to dispatch relayed envelope", "error", err, "kind", env.Event.Kind)
				if err == ErrHubStopped {
					return
				}
			}
		}
	}
}
