// Package actioncable carries the change feed over websockets using
// ActionCable-style JSON frames. Client and Dialer consume a remote feed;
// Server publishes any feed.Source to websocket clients.
package actioncable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/chatwoot/chatsync/internal/feed"
)

// Subprotocol is negotiated on every connection.
const Subprotocol = "actioncable-v1-json"

// FeedChannel is the only channel a Server accepts.
const FeedChannel = "FeedChannel"

// DefaultPingTimeout is how long we wait without receiving any frame
// (including server pings) before treating the connection as dead.
// Servers ping every 3s, so 15s means ~5 missed pings.
var DefaultPingTimeout = 15 * time.Second

// ErrPingTimeout is returned when no frames are received within the ping timeout.
var ErrPingTimeout = errors.New("ping timeout: no frames received")

// ErrRejected is returned when the server rejects a subscription.
var ErrRejected = errors.New("subscription rejected")

// Frame types.
const (
	typeWelcome = "welcome"
	typePing    = "ping"
	typeConfirm = "confirm_subscription"
	typeReject  = "reject_subscription"
	typeDisconn = "disconnect"
)

// frame is a raw ActionCable JSON frame.
type frame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Command    string          `json:"command,omitempty"`
	Data       string          `json:"data,omitempty"`
	Reconnect  *bool           `json:"reconnect,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// ChannelID identifies a channel subscription.
// Fields are serialized to JSON and double-encoded as the identifier string.
type ChannelID struct {
	Channel string `json:"channel"`
	Table   string `json:"table"`
	Column  string `json:"column,omitempty"`
	Value   string `json:"value,omitempty"`
}

// ChannelFor returns the feed channel identifier of a topic.
func ChannelFor(topic feed.Topic) ChannelID {
	return ChannelID{Channel: FeedChannel, Table: topic.Table, Column: topic.Column, Value: topic.Value}
}

// Topic returns the topic the identifier subscribes to.
func (id ChannelID) Topic() feed.Topic {
	return feed.Topic{Table: id.Table, Column: id.Column, Value: id.Value}
}

func (id ChannelID) encode() (string, error) {
	data, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("marshal identifier: %w", err)
	}
	return string(data), nil
}

func parseChannelID(s string) (ChannelID, error) {
	var id ChannelID
	if err := json.Unmarshal([]byte(s), &id); err != nil {
		return ChannelID{}, fmt.Errorf("parse identifier: %w", err)
	}
	return id, nil
}

// Event is a message received from the server.
type Event struct {
	Data json.RawMessage // the "message" field payload
	Err  error           // non-nil on read error or disconnect
}

// Client is a websocket feed client holding one subscription.
type Client struct {
	conn       *websocket.Conn
	url        string
	identifier string // set after Subscribe
}

// maxReadSize caps the maximum websocket frame size to 1 MB.
const maxReadSize = 1 << 20

// Connect dials the endpoint and waits for the welcome frame.
func Connect(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxReadSize)

	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("read welcome: %w", err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("parse welcome: %w", err)
	}
	if f.Type != typeWelcome {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("expected welcome, got %q (reason: %s)", f.Type, f.Reason)
	}

	return &Client{conn: conn, url: url}, nil
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Subscribe sends a subscribe command and waits for confirmation.
func (c *Client) Subscribe(ctx context.Context, id ChannelID) error {
	idStr, err := id.encode()
	if err != nil {
		return err
	}

	data, _ := json.Marshal(frame{Command: "subscribe", Identifier: idStr})
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}

	// Wait for confirm or reject, skipping pings that may arrive in between.
	for {
		_, resp, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read subscription response: %w", err)
		}

		var f frame
		if err := json.Unmarshal(resp, &f); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}

		switch f.Type {
		case typeConfirm:
			c.identifier = idStr
			return nil
		case typeReject:
			return fmt.Errorf("%w: %s", ErrRejected, id.Topic())
		case typePing:
			continue
		default:
			return fmt.Errorf("unexpected response type: %q", f.Type)
		}
	}
}

// Listen starts the read loop and returns a channel of events.
// Pings and internal frames are handled silently.
// The channel closes when the connection drops or ctx is cancelled.
//
// A rolling ping timeout detects half-dead connections: if no frame
// (including server pings) arrives within DefaultPingTimeout, the
// connection is treated as dead and an ErrPingTimeout is emitted.
func (c *Client) Listen(ctx context.Context) <-chan Event {
	return c.ListenWithTimeout(ctx, DefaultPingTimeout)
}

// ListenWithTimeout is like Listen but with a configurable ping timeout.
// Use 0 to disable the timeout.
func (c *Client) ListenWithTimeout(ctx context.Context, pingTimeout time.Duration) <-chan Event {
	ch := make(chan Event, feed.DefaultBuffer)
	go func() {
		defer close(ch)
		emit := func(ev Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			readCtx := ctx
			var readCancel context.CancelFunc
			if pingTimeout > 0 {
				readCtx, readCancel = context.WithTimeout(ctx, pingTimeout)
			}

			_, data, err := c.conn.Read(readCtx)

			if readCancel != nil {
				readCancel()
			}

			if err != nil {
				if pingTimeout > 0 && ctx.Err() == nil && readCtx.Err() != nil {
					err = ErrPingTimeout
				}
				emit(Event{Err: err})
				return
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}

			switch {
			case f.Type == typePing:
				continue
			case f.Type == typeDisconn:
				reconnect := f.Reconnect != nil && *f.Reconnect
				emit(Event{Err: fmt.Errorf("disconnect (reason=%s, reconnect=%v)", f.Reason, reconnect)})
				return
			case f.Type == typeConfirm, f.Type == typeReject:
				continue
			case c.identifier != "" && f.Identifier != "" && f.Identifier != c.identifier:
				continue
			case len(f.Message) > 0:
				if !emit(Event{Data: f.Message}) {
					return
				}
			}
		}
	}()
	return ch
}
