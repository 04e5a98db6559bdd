// Package chatsync is the realtime conversation synchronization core. It
// merges optimistic writes with change-feed pushes so each message is shown
// exactly once, resolves the per-customer conversation creation race, keeps
// unread counters, and runs the throttled acknowledgement responder.
//
// Every operation takes the acting identity explicitly as a chat.Actor.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/feed"
	"github.com/chatwoot/chatsync/internal/store"
	"github.com/chatwoot/chatsync/internal/validation"
)

// Options configures a Service. Zero values select the defaults.
type Options struct {
	// Source streams change-feed events. Defaults to the store.
	Source feed.Source
	// Profiles supplies customer profiles for the inbox. Defaults to the
	// store when it implements ProfileSource.
	Profiles ProfileSource
	Notifier Notifier
	Logger   *slog.Logger

	AckDelay       time.Duration
	AckCooldown    time.Duration
	AckText        string
	DisableAutoAck bool

	// Feed reconnect tuning; zero keeps the feed.Client defaults.
	FeedInitialBackoff time.Duration
	FeedMaxBackoff     time.Duration
}

// Service is the API exposed to the UI layer.
type Service struct {
	store    store.Store
	dir      *Directory
	log      *MessageLog
	ack      *AutoAck
	profiles ProfileSource
	notifier Notifier
	logger   *slog.Logger
}

func New(s store.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	profiles := opts.Profiles
	if profiles == nil {
		if ps, ok := s.(ProfileSource); ok {
			profiles = ps
		} else {
			profiles = noProfiles{}
		}
	}

	log := NewMessageLog(s, opts.Source, logger)
	if opts.FeedInitialBackoff > 0 {
		log.Feed().InitialBackoff = opts.FeedInitialBackoff
	}
	if opts.FeedMaxBackoff > 0 {
		log.Feed().MaxBackoff = opts.FeedMaxBackoff
	}

	svc := &Service{
		store:    s,
		dir:      NewDirectory(s, logger),
		log:      log,
		profiles: profiles,
		notifier: notifier,
		logger:   logger,
	}
	if !opts.DisableAutoAck {
		ack := NewAutoAck(log, logger)
		ack.Notifier = notifier
		if opts.AckDelay > 0 {
			ack.Delay = opts.AckDelay
		}
		if opts.AckCooldown > 0 {
			ack.Cooldown = opts.AckCooldown
		}
		if opts.AckText != "" {
			ack.Text = opts.AckText
		}
		svc.ack = ack
	}
	return svc
}

func (s *Service) Directory() *Directory { return s.dir }

func (s *Service) MessageLog() *MessageLog { return s.log }

// AutoAck returns the acknowledgement scheduler, or nil when disabled.
func (s *Service) AutoAck() *AutoAck { return s.ack }

// EnsureConversation returns the customer's conversation, creating it on
// first contact.
func (s *Service) EnsureConversation(ctx context.Context, customer chat.Actor) (*chat.Conversation, error) {
	if err := validateActor(customer); err != nil {
		return nil, err
	}
	if customer.Role != chat.RoleCustomer {
		return nil, &chat.ValidationError{Field: "actor role", Reason: "only customers own conversations"}
	}
	return s.dir.Ensure(ctx, customer.ID)
}

// NewInbox returns an operator inbox. Call Start to keep it live.
func (s *Service) NewInbox() *Inbox {
	return newInbox(s, NewCachedProfiles(s.profiles), s.logger)
}

// ListConversations returns a one-off snapshot of the filtered conversation
// list, most recently active first.
func (s *Service) ListConversations(ctx context.Context, filterText string) ([]chat.Conversation, error) {
	inbox := newInbox(s, s.profiles, s.logger)
	if err := inbox.Refresh(ctx); err != nil {
		return nil, err
	}
	return inbox.List(filterText), nil
}

// OpenConversation marks the conversation read for the actor and returns a
// live view of it. The caller must Close the view.
func (s *Service) OpenConversation(ctx context.Context, actor chat.Actor, conversationID string, opts ViewOptions) (*View, error) {
	if _, err := s.authorize(ctx, actor, conversationID); err != nil {
		return nil, err
	}
	if err := s.dir.MarkRead(ctx, conversationID, actor.Role); err != nil {
		return nil, err
	}
	var ack *AutoAck
	if actor.Role == chat.RoleCustomer {
		ack = s.ack
	}
	return openView(ctx, actor, conversationID, s.log, ack, s.notifier, s.logger, opts)
}

// Conversation returns the conversation when the actor may access it.
func (s *Service) Conversation(ctx context.Context, actor chat.Actor, conversationID string) (*chat.Conversation, error) {
	return s.authorize(ctx, actor, conversationID)
}

// MarkRead zeroes the actor's unread counter for the conversation.
func (s *Service) MarkRead(ctx context.Context, actor chat.Actor, conversationID string) error {
	if _, err := s.authorize(ctx, actor, conversationID); err != nil {
		return err
	}
	return s.dir.MarkRead(ctx, conversationID, actor.Role)
}

// Send appends a message without a view. It does not arm an
// acknowledgement.
func (s *Service) Send(ctx context.Context, actor chat.Actor, conversationID, content string) (*chat.Message, error) {
	if _, err := s.authorize(ctx, actor, conversationID); err != nil {
		return nil, err
	}
	return s.log.Append(ctx, actor, conversationID, content)
}

// Close stops the acknowledgement scheduler.
func (s *Service) Close() {
	if s.ack != nil {
		s.ack.Stop()
	}
}

// authorize checks that the conversation exists and that a customer only
// touches their own.
func (s *Service) authorize(ctx context.Context, actor chat.Actor, conversationID string) (*chat.Conversation, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if err := validation.ValidateID("conversation id", conversationID); err != nil {
		return nil, err
	}
	c, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if actor.Role == chat.RoleCustomer && c.CustomerID != actor.ID {
		return nil, fmt.Errorf("%w: conversation %s belongs to another customer", chat.ErrForbidden, conversationID)
	}
	return c, nil
}
