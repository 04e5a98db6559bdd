package actioncable

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chatwoot/chatsync/internal/feed"
)

// Dialer is a feed.Source over a remote Server. Every Subscribe opens its
// own connection; the returned channel closes when that connection drops.
type Dialer struct {
	URL         string
	PingTimeout time.Duration
	Logger      *slog.Logger
}

var _ feed.Source = (*Dialer)(nil)

// NewDialer returns a Dialer for a ws:// or wss:// URL.
func NewDialer(url string, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{URL: url, PingTimeout: DefaultPingTimeout, Logger: logger}
}

// Subscribe connects, subscribes to topic, and streams decoded events.
func (d *Dialer) Subscribe(ctx context.Context, topic feed.Topic) (<-chan feed.Event, error) {
	c, err := Connect(ctx, d.URL)
	if err != nil {
		return nil, err
	}
	if err := c.Subscribe(ctx, ChannelFor(topic)); err != nil {
		_ = c.Close()
		return nil, err
	}

	in := c.ListenWithTimeout(ctx, d.PingTimeout)
	out := make(chan feed.Event, feed.DefaultBuffer)
	go func() {
		defer close(out)
		defer func() { _ = c.Close() }()
		for ev := range in {
			if ev.Err != nil {
				if ctx.Err() == nil {
					d.Logger.Warn("websocket feed dropped", "topic", topic.String(), "error", ev.Err)
				}
				return
			}
			var e feed.Event
			if err := json.Unmarshal(ev.Data, &e); err != nil {
				d.Logger.Warn("skipping malformed feed event", "topic", topic.String(), "error", err)
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
	}()
	return out, nil
}
