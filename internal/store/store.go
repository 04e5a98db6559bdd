// Package store defines the persistence interface of the synchronization
// core and an in-memory implementation of it.
//
// A Store is also a feed.Source: every committed change is published as a
// full-row event, in commit order.
package store

import (
	"context"
	"errors"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/feed"
)

var (
	// ErrNotFound is returned when a conversation, message, or profile does
	// not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a write violates a uniqueness
	// constraint, such as a second conversation for the same customer.
	ErrDuplicate = errors.New("already exists")
)

// NewMessage is the caller-supplied part of a message. The store assigns the
// ID and CreatedAt.
type NewMessage struct {
	ConversationID string
	Sender         chat.Actor
	Content        string
}

// Store is the persistence and change-feed interface consumed by the core.
type Store interface {
	feed.Source

	// ConversationByCustomer returns ErrNotFound when the customer has no
	// conversation yet.
	ConversationByCustomer(ctx context.Context, customerID string) (*chat.Conversation, error)
	// CreateConversation returns ErrDuplicate when one already exists for
	// the customer.
	CreateConversation(ctx context.Context, customerID string) (*chat.Conversation, error)
	Conversation(ctx context.Context, id string) (*chat.Conversation, error)
	ListConversations(ctx context.Context) ([]chat.Conversation, error)

	// AppendMessage inserts the message and updates the conversation's
	// preview, activity time, and the recipient's unread counter atomically.
	AppendMessage(ctx context.Context, m NewMessage) (*chat.Message, error)
	// ListMessages returns the conversation's messages ordered by
	// (CreatedAt, ID).
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	// LatestMessageByRole returns the newest message sent by role, skipping
	// the excluded sender IDs. It returns ErrNotFound when there is none.
	LatestMessageByRole(ctx context.Context, conversationID string, role chat.Role, excludeSenders ...string) (*chat.Message, error)
	// ResetUnread sets the role's unread counter to zero. It is idempotent.
	ResetUnread(ctx context.Context, conversationID string, role chat.Role) error

	Close() error
}

// ProfileStore stores customer profiles for operator-side search.
type ProfileStore interface {
	PutProfile(ctx context.Context, p chat.Profile) error
	// Profile returns ErrNotFound for unknown customers.
	Profile(ctx context.Context, customerID string) (chat.Profile, error)
}

// PreviewLimit is the maximum number of runes kept in a conversation's
// last-message preview.
const PreviewLimit = 120

// Preview truncates content for LastMessagePreview.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewLimit {
		return content
	}
	return string(runes[:PreviewLimit-1]) + "…"
}

// MessageEvent builds the change-feed event for an inserted message.
func MessageEvent(m *chat.Message) (feed.Event, error) {
	return feed.NewEvent(feed.OpInsert, feed.TableMessages, map[string]string{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
	}, m)
}

// ConversationEvent builds the change-feed event for an inserted or updated
// conversation.
func ConversationEvent(op feed.Op, c *chat.Conversation) (feed.Event, error) {
	return feed.NewEvent(op, feed.TableConversations, map[string]string{
		"id":          c.ID,
		"customer_id": c.CustomerID,
	}, c)
}
