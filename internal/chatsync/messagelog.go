package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/feed"
	"github.com/chatwoot/chatsync/internal/store"
	"github.com/chatwoot/chatsync/internal/validation"
)

// MessageLog appends to and streams a conversation's messages.
type MessageLog struct {
	store  store.Store
	feed   *feed.Client
	logger *slog.Logger
}

// NewMessageLog reads and writes through s and streams from src. A nil src
// streams from s itself.
func NewMessageLog(s store.Store, src feed.Source, logger *slog.Logger) *MessageLog {
	if logger == nil {
		logger = slog.Default()
	}
	if src == nil {
		src = s
	}
	return &MessageLog{store: s, feed: feed.NewClient(src, logger), logger: logger}
}

// Feed returns the reconnecting client used for subscriptions.
func (l *MessageLog) Feed() *feed.Client {
	return l.feed
}

// Append validates and persists a message from actor.
func (l *MessageLog) Append(ctx context.Context, actor chat.Actor, conversationID, content string) (*chat.Message, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if err := validation.ValidateID("conversation id", conversationID); err != nil {
		return nil, err
	}
	if err := validation.ValidateMessageContent(content); err != nil {
		return nil, err
	}

	m, err := l.store.AppendMessage(ctx, store.NewMessage{
		ConversationID: conversationID,
		Sender:         actor,
		Content:        content,
	})
	if err != nil {
		return nil, &chat.WriteFailure{Op: "append message", Err: err}
	}
	l.logger.Debug("message appended", "conversation_id", conversationID, "message_id", m.ID, "sender", actor.String())
	return m, nil
}

// ListOrdered returns the conversation's messages ascending by
// (CreatedAt, ID).
func (l *MessageLog) ListOrdered(ctx context.Context, conversationID string) ([]chat.Message, error) {
	msgs, err := l.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	chat.SortMessages(msgs)
	return msgs, nil
}

// LatestHumanReply returns the newest operator message not written by the
// acknowledgement responder, or nil when there is none.
func (l *MessageLog) LatestHumanReply(ctx context.Context, conversationID string) (*chat.Message, error) {
	m, err := l.store.LatestMessageByRole(ctx, conversationID, chat.RoleOperator, chat.SystemAckID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest operator message: %w", err)
	}
	return m, nil
}

// StreamHandler receives a conversation's live messages.
type StreamHandler struct {
	OnMessage func(chat.Message)
	// OnResync runs after every reconnect to backfill missed messages.
	OnResync func(ctx context.Context) error
	// OnError receives a *chat.SubscriptionFailure once resync keeps failing.
	OnError func(error)
}

// Subscribe streams newly appended messages of one conversation until the
// returned subscription is closed.
func (l *MessageLog) Subscribe(ctx context.Context, conversationID string, h StreamHandler) (*feed.Subscription, error) {
	return l.feed.Subscribe(ctx, feed.MessagesOf(conversationID), feed.Handler{
		OnEvent: func(e feed.Event) {
			if e.Table != feed.TableMessages || h.OnMessage == nil {
				return
			}
			var m chat.Message
			if err := e.Decode(&m); err != nil {
				l.logger.Warn("skipping undecodable message event", "conversation_id", conversationID, "error", err)
				return
			}
			h.OnMessage(m)
		},
		OnResync: h.OnResync,
		OnError:  h.OnError,
	})
}

func validateActor(a chat.Actor) error {
	if err := validation.ValidateID("actor id", a.ID); err != nil {
		return err
	}
	if !a.Role.Valid() {
		return &chat.ValidationError{Field: "actor role", Reason: fmt.Sprintf("unknown role %q", a.Role)}
	}
	return nil
}
