package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/store"
)

// raceStore makes the first n lookups all observe "absent" at the same
// moment, so every caller goes on to create.
type raceStore struct {
	*store.Memory

	arrived    sync.WaitGroup
	mu         sync.Mutex
	blind      int
	created    atomic.Int32
	duplicates atomic.Int32
}

func newRaceStore(callers int) *raceStore {
	r := &raceStore{Memory: store.NewMemory(nil, quietLogger()), blind: callers}
	r.arrived.Add(callers)
	return r
}

func (r *raceStore) ConversationByCustomer(ctx context.Context, customerID string) (*chat.Conversation, error) {
	r.mu.Lock()
	blind := r.blind > 0
	if blind {
		r.blind--
	}
	r.mu.Unlock()
	if blind {
		r.arrived.Done()
		r.arrived.Wait()
		return nil, fmt.Errorf("%w: conversation for customer %s", store.ErrNotFound, customerID)
	}
	return r.Memory.ConversationByCustomer(ctx, customerID)
}

func (r *raceStore) CreateConversation(ctx context.Context, customerID string) (*chat.Conversation, error) {
	c, err := r.Memory.CreateConversation(ctx, customerID)
	switch {
	case err == nil:
		r.created.Add(1)
	case errors.Is(err, store.ErrDuplicate):
		r.duplicates.Add(1)
	}
	return c, err
}

func TestEnsureConcurrentCallersShareConversation(t *testing.T) {
	const callers = 2
	rs := newRaceStore(callers)
	dir := NewDirectory(rs, quietLogger())

	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := dir.Ensure(context.Background(), "cust-42")
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, ids[0], ids[1])
	assert.NotEmpty(t, ids[0])
	assert.EqualValues(t, 1, rs.created.Load())
	assert.EqualValues(t, callers-1, rs.duplicates.Load(), "the losing create must hit the uniqueness constraint")

	convs, err := rs.ListConversations(context.Background())
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestEnsureManyConcurrentCallers(t *testing.T) {
	dir := NewDirectory(store.NewMemory(nil, quietLogger()), quietLogger())

	const callers = 32
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := dir.Ensure(context.Background(), "cust-7")
			if assert.NoError(t, err) {
				ids <- c.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func TestEnsureRejectsBlankCustomer(t *testing.T) {
	dir := NewDirectory(store.NewMemory(nil, quietLogger()), quietLogger())
	_, err := dir.Ensure(context.Background(), " ")
	assert.True(t, chat.IsValidationError(err))
}

type brokenCreateStore struct {
	*store.Memory
}

func (brokenCreateStore) CreateConversation(context.Context, string) (*chat.Conversation, error) {
	return nil, errors.New("connection reset")
}

func TestEnsureSurfacesCreateFailure(t *testing.T) {
	dir := NewDirectory(brokenCreateStore{store.NewMemory(nil, quietLogger())}, quietLogger())
	_, err := dir.Ensure(context.Background(), "cust-1")
	assert.True(t, chat.IsWriteFailure(err))
}

func TestMarkReadThenIncrement(t *testing.T) {
	env := newTestEnv(t, Options{DisableAutoAck: true})
	ctx := context.Background()
	c := env.conversation(t, customer.ID)

	for range 3 {
		_, err := env.svc.Send(ctx, customer, c.ID, "hello?")
		require.NoError(t, err)
	}
	got, _ := env.store.Conversation(ctx, c.ID)
	require.Equal(t, 3, got.UnreadForOperator)

	require.NoError(t, env.svc.MarkRead(ctx, operator, c.ID))
	got, _ = env.store.Conversation(ctx, c.ID)
	assert.Equal(t, 0, got.UnreadForOperator)

	_, err := env.svc.Send(ctx, customer, c.ID, "still there?")
	require.NoError(t, err)
	got, _ = env.store.Conversation(ctx, c.ID)
	assert.Equal(t, 1, got.UnreadForOperator)
	assert.Equal(t, 0, got.UnreadForCustomer)
}

func TestMarkReadIsPerRole(t *testing.T) {
	env := newTestEnv(t, Options{DisableAutoAck: true})
	ctx := context.Background()
	c := env.conversation(t, customer.ID)

	_, err := env.svc.Send(ctx, operator, c.ID, "how can I help?")
	require.NoError(t, err)
	_, err = env.svc.Send(ctx, customer, c.ID, "my order")
	require.NoError(t, err)

	require.NoError(t, env.svc.MarkRead(ctx, customer, c.ID))
	got, _ := env.store.Conversation(ctx, c.ID)
	assert.Equal(t, 0, got.UnreadForCustomer)
	assert.Equal(t, 1, got.UnreadForOperator)
}

func TestMarkReadUnknownRole(t *testing.T) {
	dir := NewDirectory(store.NewMemory(nil, quietLogger()), quietLogger())
	err := dir.MarkRead(context.Background(), "c-1", chat.Role("admin"))
	assert.True(t, chat.IsValidationError(err))
}
