package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/chatwoot/chatsync/internal/feed"
	"github.com/chatwoot/chatsync/internal/store"
)

// Subscribe implements feed.Source. Each call opens its own pq.Listener.
// The channel is closed when the listener loses its connection, because
// notifications sent while disconnected are lost.
func (s *Store) Subscribe(ctx context.Context, topic feed.Topic) (<-chan feed.Event, error) {
	if s.broker != nil {
		return s.broker.Subscribe(ctx, topic)
	}

	l := pq.NewListener(s.dsn, s.minReconnect, s.maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("postgres listener event", "event", listenerEventName(ev), "error", err)
		}
	})
	if err := l.Listen(NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	if err := l.Ping(); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	out := make(chan feed.Event, feed.DefaultBuffer)
	go func() {
		defer close(out)
		defer func() { _ = l.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-l.Notify:
				if !ok || n == nil {
					// nil is sent after a reconnect.
					s.logger.Debug("postgres listener reconnected", "topic", topic.String())
					return
				}
				e, ok := s.load(ctx, topic, n.Extra)
				if !ok {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// load turns a notification payload into a full-row event when it matches
// topic.
func (s *Store) load(ctx context.Context, topic feed.Topic, payload string) (feed.Event, bool) {
	n, err := decodeNotification(payload)
	if err != nil {
		s.logger.Warn("skipping malformed notification", "error", err)
		return feed.Event{}, false
	}
	e := feed.Event{Op: n.Op, Table: n.Table, Keys: n.Keys}
	if !topic.Matches(e) {
		return feed.Event{}, false
	}

	switch n.Table {
	case feed.TableMessages:
		m, err := s.message(ctx, n.Keys["id"])
		if err == nil {
			e, err = store.MessageEvent(m)
		}
		if err != nil {
			s.logger.Warn("load notified message", "id", n.Keys["id"], "error", err)
			return feed.Event{}, false
		}
	case feed.TableConversations:
		c, err := s.Conversation(ctx, n.Keys["id"])
		if err == nil {
			e, err = store.ConversationEvent(n.Op, c)
		}
		if err != nil {
			s.logger.Warn("load notified conversation", "id", n.Keys["id"], "error", err)
			return feed.Event{}, false
		}
	default:
		return feed.Event{}, false
	}
	return e, true
}

func listenerEventName(ev pq.ListenerEventType) string {
	switch ev {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connection_attempt_failed"
	default:
		return "unknown"
	}
}
