package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannel = "metergate:invalidations"

// Redis is a pub/sub invalidation bus on a single Redis channel. There is no
// backfill after a disconnect; the cache TTL bounds the staleness a missed
// event can cause.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedis(url, channel string, logger *zap.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: failed to parse redis URL: %w", err)
	}
	if channel == "" {
		channel = defaultChannel
	}
	return &Redis{
		client:  redis.NewClient(opt),
		channel: channel,
		logger:  logger,
	}, nil
}

func (b *Redis) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: failed to publish event: %w", err)
	}
	b.logger.Debug("Invalidation event published",
		zap.String("type", string(event.Type)),
		zap.String("key", event.Key))
	return nil
}

// Subscribe consumes invalidation events until ctx is cancelled. The
// go-redis PubSub reconnects on its own; the outer loop re-subscribes with a
// bounded backoff if the subscription itself dies.
func (b *Redis) Subscribe(ctx context.Context, fn func(Event)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		sub := b.client.Subscribe(ctx, b.channel)
		ch := sub.Channel()

	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return ctx.Err()
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				backoff = time.Second
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("Dropping malformed invalidation event",
						zap.String("payload", msg.Payload),
						zap.Error(err))
					continue
				}
				fn(event)
			}
		}

		_ = sub.Close()
		b.logger.Warn("Invalidation subscription lost, reconnecting",
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Redis) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Redis) Close() error {
	return b.client.Close()
}
