package chatsync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/feed"
	"github.com/chatwoot/chatsync/internal/store"
)

var (
	customer = chat.Actor{ID: "cust-1", Role: chat.RoleCustomer}
	operator = chat.Actor{ID: "op-1", Role: chat.RoleOperator}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// faultyStore wraps the memory store with injectable failures and hooks.
type faultyStore struct {
	*store.Memory

	mu          sync.Mutex
	appendErr   error
	listErr     error
	afterAppend func(*chat.Message)
}

func (f *faultyStore) setAppendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr = err
}

func (f *faultyStore) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *faultyStore) setAfterAppend(hook func(*chat.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterAppend = hook
}

func (f *faultyStore) AppendMessage(ctx context.Context, nm store.NewMessage) (*chat.Message, error) {
	f.mu.Lock()
	err, hook := f.appendErr, f.afterAppend
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m, err := f.Memory.AppendMessage(ctx, nm)
	if err == nil && hook != nil {
		hook(m)
	}
	return m, err
}

func (f *faultyStore) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	f.mu.Lock()
	err := f.listErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Memory.ListMessages(ctx, conversationID)
}

type testEnv struct {
	store  *faultyStore
	broker *feed.LocalBroker
	svc    *Service
	notes  *recordingNotifier
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	return newTestEnvWithSource(t, opts, nil)
}

// newTestEnvWithSource lets wrap replace the change-feed source built on the
// store's broker.
func newTestEnvWithSource(t *testing.T, opts Options, wrap func(feed.Source) feed.Source) *testEnv {
	t.Helper()
	broker := feed.NewLocalBroker(0)
	mem := store.NewMemory(broker, quietLogger())
	fs := &faultyStore{Memory: mem}
	notes := &recordingNotifier{}
	if wrap != nil {
		opts.Source = wrap(broker)
	}

	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = notes
	}
	if opts.FeedInitialBackoff == 0 {
		opts.FeedInitialBackoff = 5 * time.Millisecond
	}
	if opts.FeedMaxBackoff == 0 {
		opts.FeedMaxBackoff = 20 * time.Millisecond
	}
	svc := New(fs, opts)
	t.Cleanup(func() {
		svc.Close()
		_ = fs.Close()
	})
	return &testEnv{store: fs, broker: broker, svc: svc, notes: notes}
}

func (e *testEnv) conversation(t *testing.T, customerID string) *chat.Conversation {
	t.Helper()
	c, err := e.svc.EnsureConversation(context.Background(), chat.Actor{ID: customerID, Role: chat.RoleCustomer})
	require.NoError(t, err)
	return c
}

func (e *testEnv) open(t *testing.T, actor chat.Actor, conversationID string, opts ViewOptions) *View {
	t.Helper()
	v, err := e.svc.OpenConversation(context.Background(), actor, conversationID, opts)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func countID(msgs []chat.Message, id string) int {
	n := 0
	for _, m := range msgs {
		if m.ID == id {
			n++
		}
	}
	return n
}

func countAcks(msgs []chat.Message) int {
	n := 0
	for _, m := range msgs {
		if m.IsAutoAck() {
			n++
		}
	}
	return n
}

type note struct {
	level Level
	text  string
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (r *recordingNotifier) Notify(level Level, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{level, text})
}

func (r *recordingNotifier) count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.notes {
		if x.level == level {
			n++
		}
	}
	return n
}

// heldSource delays delivery of events until release is closed.
type heldSource struct {
	src     feed.Source
	release chan struct{}
}

func (h *heldSource) Subscribe(ctx context.Context, topic feed.Topic) (<-chan feed.Event, error) {
	in, err := h.src.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan feed.Event, feed.DefaultBuffer)
	go func() {
		defer close(out)
		select {
		case <-h.release:
		case <-ctx.Done():
			return
		}
		for e := range in {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
