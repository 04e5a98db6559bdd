package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/feed"
)

// Memory is a Store kept in process memory. Writes and their change-feed
// publications happen under one lock, so subscribers observe commit order.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]*chat.Conversation
	byCustomer    map[string]string
	messages      map[string][]chat.Message
	profiles      map[string]chat.Profile
	broker        feed.Broker
	logger        *slog.Logger

	// Now is the clock used for CreatedAt and LastActivityAt.
	Now func() time.Time
}

var (
	_ Store        = (*Memory)(nil)
	_ ProfileStore = (*Memory)(nil)
)

// NewMemory creates an empty store publishing to broker. A nil broker gets a
// private LocalBroker.
func NewMemory(broker feed.Broker, logger *slog.Logger) *Memory {
	if broker == nil {
		broker = feed.NewLocalBroker(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		conversations: make(map[string]*chat.Conversation),
		byCustomer:    make(map[string]string),
		messages:      make(map[string][]chat.Message),
		profiles:      make(map[string]chat.Profile),
		broker:        broker,
		logger:        logger,
		Now:           time.Now,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Subscribe implements feed.Source.
func (s *Memory) Subscribe(ctx context.Context, topic feed.Topic) (<-chan feed.Event, error) {
	return s.broker.Subscribe(ctx, topic)
}

// publish must be called with s.mu held.
func (s *Memory) publish(ctx context.Context, e feed.Event, err error) {
	if err == nil {
		err = s.broker.Publish(ctx, e)
	}
	if err != nil {
		s.logger.Warn("change-feed publish failed", "table", e.Table, "error", err)
	}
}

func (s *Memory) ConversationByCustomer(_ context.Context, customerID string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCustomer[customerID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation for customer %s", ErrNotFound, customerID)
	}
	c := *s.conversations[id]
	return &c, nil
}

func (s *Memory) CreateConversation(ctx context.Context, customerID string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCustomer[customerID]; ok {
		return nil, fmt.Errorf("%w: conversation for customer %s", ErrDuplicate, customerID)
	}
	now := s.Now()
	c := &chat.Conversation{
		ID:             newID(),
		CustomerID:     customerID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	s.conversations[c.ID] = c
	s.byCustomer[customerID] = c.ID

	out := *c
	e, err := ConversationEvent(feed.OpInsert, &out)
	s.publish(ctx, e, err)
	return &out, nil
}

func (s *Memory) Conversation(_ context.Context, id string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	out := *c
	return &out, nil
}

func (s *Memory) ListConversations(context.Context) ([]chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) AppendMessage(ctx context.Context, nm NewMessage) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[nm.ConversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, nm.ConversationID)
	}

	m := chat.Message{
		ID:             newID(),
		ConversationID: nm.ConversationID,
		SenderID:       nm.Sender.ID,
		SenderRole:     nm.Sender.Role,
		Content:        nm.Content,
		CreatedAt:      s.Now(),
	}
	msgs := append(s.messages[c.ID], m)
	if n := len(msgs); n > 1 && chat.Less(&m, &msgs[n-2]) {
		chat.SortMessages(msgs)
	}
	s.messages[c.ID] = msgs

	c.LastMessagePreview = Preview(m.Content)
	if m.CreatedAt.After(c.LastActivityAt) {
		c.LastActivityAt = m.CreatedAt
	}
	switch m.SenderRole.Recipient() {
	case chat.RoleOperator:
		c.UnreadForOperator++
	case chat.RoleCustomer:
		c.UnreadForCustomer++
	}

	e, err := MessageEvent(&m)
	s.publish(ctx, e, err)
	conv := *c
	e, err = ConversationEvent(feed.OpUpdate, &conv)
	s.publish(ctx, e, err)

	return &m, nil
}

func (s *Memory) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	msgs := s.messages[conversationID]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Memory) LatestMessageByRole(_ context.Context, conversationID string, role chat.Role, excludeSenders ...string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderRole == role && !slices.Contains(excludeSenders, msgs[i].SenderID) {
			m := msgs[i]
			return &m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s message in conversation %s", ErrNotFound, role, conversationID)
}

func (s *Memory) ResetUnread(ctx context.Context, conversationID string, role chat.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	counter := &c.UnreadForCustomer
	if role == chat.RoleOperator {
		counter = &c.UnreadForOperator
	}
	if *counter == 0 {
		return nil
	}
	*counter = 0

	conv := *c
	e, err := ConversationEvent(feed.OpUpdate, &conv)
	s.publish(ctx, e, err)
	return nil
}

func (s *Memory) PutProfile(_ context.Context, p chat.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.CustomerID] = p
	return nil
}

func (s *Memory) Profile(_ context.Context, customerID string) (chat.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[customerID]
	if !ok {
		return chat.Profile{}, fmt.Errorf("%w: profile %s", ErrNotFound, customerID)
	}
	return p, nil
}

// Close closes the broker.
func (s *Memory) Close() error {
	return s.broker.Close()
}
