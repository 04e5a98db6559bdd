package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwoot/chatsync/internal/chat"
)

// Reconnect defaults, matching the follow loop of the CLI.
const (
	DefaultInitialBackoff    = 2 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultStableAfter       = 60 * time.Second
	DefaultMaxResyncFailures = 3
)

// Handler receives the events of one subscription. All callbacks run on the
// subscription's goroutine, one at a time, in delivery order.
type Handler struct {
	// OnEvent is called for every event.
	OnEvent func(Event)
	// OnResync is called after every reconnect to backfill events missed
	// while disconnected. A returned error counts as a failed resync.
	OnResync func(ctx context.Context) error
	// OnError is called when resync has failed MaxResyncFailures times in a
	// row. The subscription keeps retrying afterwards.
	OnError func(error)
}

// Client subscribes to a Source and keeps subscriptions alive across
// disconnects.
type Client struct {
	src    Source
	logger *slog.Logger

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	StableAfter       time.Duration
	MaxResyncFailures int
}

// NewClient creates a Client with default reconnect settings.
func NewClient(src Source, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		src:               src,
		logger:            logger,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		StableAfter:       DefaultStableAfter,
		MaxResyncFailures: DefaultMaxResyncFailures,
	}
}

// Subscription is a live subscription handle.
type Subscription struct {
	topic  Topic
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic {
	return s.topic
}

// Close stops the subscription and waits for its goroutine to exit. No
// callback runs after Close returns.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe connects synchronously, so that a caller reading history right
// after Subscribe returns cannot miss a concurrent write, then delivers
// events in the background until ctx is cancelled or Close is called.
func (c *Client) Subscribe(ctx context.Context, topic Topic, h Handler) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	conn, err := c.connect(subCtx, topic)
	if err != nil {
		cancel()
		return nil, &chat.SubscriptionFailure{Topic: topic.String(), Err: err}
	}

	s := &Subscription{topic: topic, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		c.run(subCtx, topic, conn, h)
	}()
	return s, nil
}

// connection is one Source subscription and the cancel func releasing it.
type connection struct {
	events <-chan Event
	cancel context.CancelFunc
}

func (c *Client) connect(ctx context.Context, topic Topic) (connection, error) {
	connCtx, cancel := context.WithCancel(ctx)
	events, err := c.src.Subscribe(connCtx, topic)
	if err != nil {
		cancel()
		return connection{}, err
	}
	return connection{events: events, cancel: cancel}, nil
}

func (c *Client) run(ctx context.Context, topic Topic, conn connection, h Handler) {
	backoff := c.InitialBackoff
	resyncFailures := 0

	for {
		connectedAt := time.Now()
		c.drain(ctx, conn.events, h)
		conn.cancel()
		if ctx.Err() != nil {
			return
		}

		// Reset backoff if the connection was stable for a while.
		if time.Since(connectedAt) > c.StableAfter {
			backoff = c.InitialBackoff
		}
		c.logger.Warn("change-feed disconnected, reconnecting", "topic", topic.String(), "backoff", backoff)

		for {
			if !sleepWithContext(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.MaxBackoff)

			next, err := c.connect(ctx, topic)
			if err != nil {
				c.logger.Warn("change-feed reconnect failed", "topic", topic.String(), "error", err)
				continue
			}
			conn = next
			break
		}

		if h.OnResync == nil {
			continue
		}
		if err := h.OnResync(ctx); err != nil {
			if ctx.Err() != nil {
				conn.cancel()
				return
			}
			resyncFailures++
			c.logger.Warn("resync failed", "topic", topic.String(), "attempt", resyncFailures, "error", err)
			if resyncFailures >= c.MaxResyncFailures && h.OnError != nil {
				h.OnError(&chat.SubscriptionFailure{Topic: topic.String(), Attempts: resyncFailures, Err: err})
			}
			// Drop this connection so the next one resyncs again.
			conn.cancel()
			conn.events = nil
			continue
		}
		if resyncFailures > 0 {
			c.logger.Info("resync recovered", "topic", topic.String(), "failures", resyncFailures)
		}
		resyncFailures = 0
	}
}

// drain forwards events until the channel closes or ctx is done. A nil
// channel returns immediately.
func (c *Client) drain(ctx context.Context, events <-chan Event, h Handler) {
	if events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if h.OnEvent != nil {
				h.OnEvent(e)
			}
		}
	}
}

// sleepWithContext waits for the duration or returns false early on context
// cancellation.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
