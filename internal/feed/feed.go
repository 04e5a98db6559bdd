// Package feed is the change-feed layer: push notifications of inserted and
// updated rows, keyed by table and an optional column filter.
//
// Transports implement Source (and Broker when they also accept writes).
// Client wraps a Source with reconnect, backoff, and resync.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// Table names published by the stores.
const (
	TableMessages      = "messages"
	TableConversations = "conversations"
)

// Event is a single row change. Row always carries the full row, never a diff.
// Keys holds the filterable columns of the row (id, conversation_id, ...).
type Event struct {
	Op    Op                `json:"op"`
	Table string            `json:"table"`
	Keys  map[string]string `json:"keys,omitempty"`
	Row   json.RawMessage   `json:"row"`
}

// NewEvent marshals row into an Event.
func NewEvent(op Op, table string, keys map[string]string, row any) (Event, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	return Event{Op: op, Table: table, Keys: keys, Row: data}, nil
}

// Decode unmarshals the row into v.
func (e Event) Decode(v any) error {
	if len(e.Row) == 0 {
		return fmt.Errorf("%s event has no row", e.Table)
	}
	return json.Unmarshal(e.Row, v)
}

// Topic selects events by table and, optionally, by one column equality.
type Topic struct {
	Table  string `json:"table"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// AllOf selects every row change of a table.
func AllOf(table string) Topic {
	return Topic{Table: table}
}

// MessagesOf selects the messages of one conversation.
func MessagesOf(conversationID string) Topic {
	return Topic{Table: TableMessages, Column: "conversation_id", Value: conversationID}
}

// Matches reports whether e belongs to the topic.
func (t Topic) Matches(e Event) bool {
	if t.Table != e.Table {
		return false
	}
	if t.Column == "" {
		return true
	}
	return e.Keys[t.Column] == t.Value
}

func (t Topic) String() string {
	if t.Column == "" {
		return t.Table
	}
	return fmt.Sprintf("%s:%s=eq.%s", t.Table, t.Column, t.Value)
}

// Source delivers events for a topic. The returned channel is closed when
// the underlying connection drops or ctx is cancelled; events published
// while no channel is open are not replayed.
type Source interface {
	Subscribe(ctx context.Context, topic Topic) (<-chan Event, error)
}

// Publisher accepts events from a writer.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Broker is a Source that also accepts events.
type Broker interface {
	Source
	Publisher
	Close() error
}
