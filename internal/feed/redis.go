package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the pub/sub channels.
const DefaultRedisPrefix = "chatsync"

// RedisBroker fans events out across processes through Redis pub/sub. Each
// table maps to one channel; column filtering happens on the subscriber side.
type RedisBroker struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker wraps an existing Redis client.
func NewRedisBroker(rdb redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBroker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{rdb: rdb, prefix: prefix, logger: logger}
}

// DialRedis parses a redis:// URL and returns a broker over a new client.
func DialRedis(ctx context.Context, rawURL string, logger *slog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisBroker(rdb, "", logger), nil
}

func (b *RedisBroker) channel(table string) string {
	return b.prefix + ":" + table
}

// Publish sends e to the table's channel.
func (b *RedisBroker) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(e.Table), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Table, err)
	}
	return nil
}

// Subscribe listens on the table's channel. go-redis reconnects pub/sub
// connections on its own; since messages sent during the gap are lost, the
// returned channel is closed on the first re-subscription so that the caller
// resyncs.
func (b *RedisBroker) Subscribe(ctx context.Context, topic Topic) (<-chan Event, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(topic.Table))
	// Wait for the subscribe confirmation so no event published after we
	// return can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	in := ps.ChannelWithSubscriptions()
	out := make(chan Event, DefaultBuffer)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				switch m := raw.(type) {
				case *redis.Subscription:
					if m.Kind == "subscribe" {
						b.logger.Debug("redis pubsub resubscribed", "topic", topic.String())
						return
					}
				case *redis.Message:
					var e Event
					if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
						b.logger.Warn("skipping malformed feed event", "channel", m.Channel, "error", err)
						continue
					}
					if !topic.Matches(e) {
						continue
					}
					select {
					case out <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Close closes the underlying Redis client.
func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
