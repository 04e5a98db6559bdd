package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/feed"
	"github.com/chatwoot/chatsync/internal/resolve"
	"github.com/chatwoot/chatsync/internal/store"
)

// DefaultProfileConcurrency bounds concurrent profile lookups per refresh.
const DefaultProfileConcurrency = 8

// InboxEntry is a conversation together with its customer's profile.
type InboxEntry struct {
	Conversation chat.Conversation `json:"conversation"`
	Profile      chat.Profile      `json:"profile"`
}

// Label is the name shown for the entry: display name, else email, else
// phone, else the customer ID.
func (e InboxEntry) Label() string {
	for _, s := range []string{e.Profile.DisplayName, e.Profile.Email, e.Profile.Phone} {
		if s != "" {
			return s
		}
	}
	return e.Conversation.CustomerID
}

// Inbox is the operator's list of all conversations. Once started, every
// message insert and conversation update anywhere triggers a full refresh;
// bursts of events collapse into one refresh.
type Inbox struct {
	svc      *Service
	profiles ProfileSource
	logger   *slog.Logger

	// ProfileConcurrency bounds concurrent profile lookups during a refresh.
	ProfileConcurrency int
	// OnChange is called after every successful refresh.
	OnChange func()

	mu      sync.RWMutex
	entries []InboxEntry

	refreshMu sync.Mutex
	kick      chan struct{}
	subs      []*feed.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
}

func newInbox(svc *Service, profiles ProfileSource, logger *slog.Logger) *Inbox {
	return &Inbox{
		svc:                svc,
		profiles:           profiles,
		logger:             logger,
		ProfileConcurrency: DefaultProfileConcurrency,
		kick:               make(chan struct{}, 1),
	}
}

// Start loads the list and keeps it current until Close.
func (i *Inbox) Start(ctx context.Context) error {
	if i.cancel != nil {
		return errors.New("inbox already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	handler := feed.Handler{
		OnEvent: func(feed.Event) { i.requestRefresh() },
		OnResync: func(ctx context.Context) error {
			i.dropCachedProfiles()
			return i.Refresh(ctx)
		},
		OnError: func(err error) {
			i.logger.Error("inbox live updates lost", "error", err)
			i.svc.notifier.Notify(LevelError, "Conversation list is no longer updating.")
		},
	}
	for _, topic := range []feed.Topic{feed.AllOf(feed.TableMessages), feed.AllOf(feed.TableConversations)} {
		sub, err := i.svc.log.Feed().Subscribe(runCtx, topic, handler)
		if err != nil {
			i.closeSubs()
			cancel()
			return err
		}
		i.subs = append(i.subs, sub)
	}

	if err := i.Refresh(ctx); err != nil {
		i.closeSubs()
		cancel()
		return err
	}

	i.cancel = cancel
	i.done = make(chan struct{})
	go i.loop(runCtx)
	return nil
}

func (i *Inbox) loop(ctx context.Context) {
	defer close(i.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.kick:
			i.dropCachedProfiles()
			if err := i.Refresh(ctx); err != nil && ctx.Err() == nil {
				i.logger.Warn("inbox refresh failed", "error", err)
			}
		}
	}
}

// dropCachedProfiles makes the next refresh reload profiles. Profile edits
// publish no feed event, so any activity is the cue to pick them up.
func (i *Inbox) dropCachedProfiles() {
	if c, ok := i.profiles.(*CachedProfiles); ok {
		c.Clear()
	}
}

func (i *Inbox) requestRefresh() {
	select {
	case i.kick <- struct{}{}:
	default:
	}
}

// Refresh reloads every conversation and its profile.
func (i *Inbox) Refresh(ctx context.Context) error {
	i.refreshMu.Lock()
	defer i.refreshMu.Unlock()

	convs, err := i.svc.store.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	entries := make([]InboxEntry, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	if i.ProfileConcurrency > 0 {
		g.SetLimit(i.ProfileConcurrency)
	}
	for idx, c := range convs {
		entries[idx].Conversation = c
		g.Go(func() error {
			p, err := i.profiles.Profile(gctx, c.CustomerID)
			if errors.Is(err, store.ErrNotFound) {
				p, err = chat.Profile{CustomerID: c.CustomerID}, nil
			}
			if err != nil {
				return fmt.Errorf("load profile %s: %w", c.CustomerID, err)
			}
			entries[idx].Profile = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sortEntries(entries)
	i.mu.Lock()
	i.entries = entries
	i.mu.Unlock()

	i.logger.Debug("inbox refreshed", "conversations", len(entries))
	if i.OnChange != nil {
		i.OnChange()
	}
	return nil
}

// sortEntries orders by LastActivityAt descending, ties by ID.
func sortEntries(entries []InboxEntry) {
	sort.SliceStable(entries, func(a, b int) bool {
		ca, cb := entries[a].Conversation, entries[b].Conversation
		if !ca.LastActivityAt.Equal(cb.LastActivityAt) {
			return ca.LastActivityAt.After(cb.LastActivityAt)
		}
		return ca.ID < cb.ID
	})
}

// Entries returns the entries whose display name, email, or phone contains
// filterText, case-insensitively. An empty filter returns everything.
func (i *Inbox) Entries(filterText string) []InboxEntry {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]InboxEntry, 0, len(i.entries))
	for _, e := range i.entries {
		if e.Profile.Matches(filterText) {
			out = append(out, e)
		}
	}
	return out
}

// List returns the filtered conversations, most recently active first.
func (i *Inbox) List(filterText string) []chat.Conversation {
	entries := i.Entries(filterText)
	out := make([]chat.Conversation, len(entries))
	for idx, e := range entries {
		out[idx] = e.Conversation
	}
	return out
}

func (i *Inbox) candidates() ([]InboxEntry, []resolve.Candidate) {
	entries := i.Entries("")
	candidates := make([]resolve.Candidate, len(entries))
	for idx, e := range entries {
		candidates[idx] = resolve.Candidate{
			ConversationID: e.Conversation.ID,
			CustomerID:     e.Conversation.CustomerID,
			Label:          e.Label(),
		}
	}
	return entries, candidates
}

// Search ranks entries by fuzzy match of query against their labels.
func (i *Inbox) Search(query string, limit int) []InboxEntry {
	entries, candidates := i.candidates()
	byID := make(map[string]InboxEntry, len(entries))
	for _, e := range entries {
		byID[e.Conversation.ID] = e
	}
	matches := resolve.Rank(query, candidates, limit)
	out := make([]InboxEntry, 0, len(matches))
	for _, m := range matches {
		out = append(out, byID[m.ConversationID])
	}
	return out
}

// Resolve maps a conversation ID, customer ID, or customer name to a
// conversation ID.
func (i *Inbox) Resolve(query string) (string, error) {
	_, candidates := i.candidates()
	return resolve.Conversation(query, candidates)
}

// Open marks the conversation read for the operator and opens a view on it.
func (i *Inbox) Open(ctx context.Context, operator chat.Actor, conversationID string, opts ViewOptions) (*View, error) {
	if operator.Role != chat.RoleOperator {
		return nil, &chat.ValidationError{Field: "actor role", Reason: "the inbox is for operators"}
	}
	return i.svc.OpenConversation(ctx, operator, conversationID, opts)
}

// Close stops live updates.
func (i *Inbox) Close() {
	i.closeSubs()
	if i.cancel != nil {
		i.cancel()
		<-i.done
	}
}

func (i *Inbox) closeSubs() {
	for _, sub := range i.subs {
		sub.Close()
	}
	i.subs = nil
}
