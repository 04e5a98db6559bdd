package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/store"
	"github.com/chatwoot/chatsync/internal/validation"
)

// ensureAttempts bounds lookup-or-create retries. Losing the creation race
// more than once in a row means the store is not keeping its uniqueness
// guarantee.
const ensureAttempts = 3

// Directory owns the per-customer conversation records.
type Directory struct {
	store  store.Store
	logger *slog.Logger
}

func NewDirectory(s store.Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: s, logger: logger}
}

// Ensure returns the customer's conversation, creating it on first contact.
// A concurrent create for the same customer is resolved by re-reading the
// winner's record.
func (d *Directory) Ensure(ctx context.Context, customerID string) (*chat.Conversation, error) {
	if err := validation.ValidateID("customer id", customerID); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= ensureAttempts; attempt++ {
		c, err := d.store.ConversationByCustomer(ctx, customerID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup conversation: %w", err)
		}

		c, err = d.store.CreateConversation(ctx, customerID)
		if err == nil {
			d.logger.Info("conversation created", "conversation_id", c.ID, "customer_id", customerID)
			return c, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, &chat.WriteFailure{Op: "create conversation", Err: err}
		}
		d.logger.Debug("lost conversation creation race, re-reading", "customer_id", customerID, "attempt", attempt)
		lastErr = err
	}
	return nil, &chat.WriteFailure{Op: "create conversation", Err: lastErr}
}

// MarkRead zeroes the unread counter on role's side of the conversation.
func (d *Directory) MarkRead(ctx context.Context, conversationID string, role chat.Role) error {
	if err := validation.ValidateID("conversation id", conversationID); err != nil {
		return err
	}
	if !role.Valid() {
		return &chat.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	if err := d.store.ResetUnread(ctx, conversationID, role); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return &chat.WriteFailure{Op: "mark read", Err: err}
	}
	return nil
}
