package chatsync

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/store"
)

// A customer's message is shown once despite redelivery, the operator's open
// clears the unread count, and the operator's reply suppresses the pending
// acknowledgement.
func TestScenarioCustomerMessageOperatorReply(t *testing.T) {
	env := newTestEnv(t, Options{AckDelay: time.Hour})
	ctx := context.Background()

	c := env.conversation(t, customer.ID)
	widget := env.open(t, customer, c.ID, ViewOptions{})

	m1, err := widget.Send(ctx, "Where is my order?")
	require.NoError(t, err)
	require.Equal(t, 1, env.svc.AutoAck().Pending(c.ID))

	e, err := store.MessageEvent(m1)
	require.NoError(t, err)
	require.NoError(t, env.broker.Publish(ctx, e))
	require.Eventually(t, func() bool {
		msgs := widget.Messages()
		return len(msgs) == 1 && msgs[0].ID == m1.ID
	}, waitFor, tick)

	before, _ := env.store.Conversation(ctx, c.ID)
	require.Equal(t, 1, before.UnreadForOperator)

	inbox := env.svc.NewInbox()
	require.NoError(t, inbox.Refresh(ctx))
	console, err := inbox.Open(ctx, operator, c.ID, ViewOptions{})
	require.NoError(t, err)
	defer console.Close()

	after, _ := env.store.Conversation(ctx, c.ID)
	require.Equal(t, 0, after.UnreadForOperator)

	reply, err := console.Send(ctx, "It ships tomorrow.")
	require.NoError(t, err)

	// Fire the still-pending acknowledgement now instead of waiting out its
	// delay.
	widget.mu.Lock()
	pending := append([]*PendingAck(nil), widget.armed...)
	widget.mu.Unlock()
	require.Len(t, pending, 1)
	env.svc.AutoAck().fire(pending[0])
	assert.Equal(t, AckSuppressed, pending[0].State())

	msgs, err := env.svc.MessageLog().ListOrdered(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, countAcks(msgs), "the acknowledgement must be suppressed")
	assert.Equal(t, []string{m1.ID, reply.ID}, []string{msgs[0].ID, msgs[1].ID})

	require.Eventually(t, func() bool { return countID(widget.Messages(), reply.ID) == 1 }, waitFor, tick)
	assert.Equal(t, 1, countID(widget.Messages(), m1.ID))
}

// Two tabs ensuring the same customer at once get the same conversation.
func TestScenarioTwoTabsEnsure(t *testing.T) {
	rs := newRaceStore(2)
	svc := New(rs, Options{Logger: quietLogger(), DisableAutoAck: true})
	defer svc.Close()

	tab := chat.Actor{ID: "cust-42", Role: chat.RoleCustomer}
	results := make([]*chat.Conversation, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := svc.EnsureConversation(context.Background(), tab)
			if assert.NoError(t, err) {
				results[i] = c
			}
		}()
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, results[0].ID, results[1].ID)
	assert.EqualValues(t, 1, rs.duplicates.Load())
}

func TestAcknowledgementReachesOpenViews(t *testing.T) {
	env := newTestEnv(t, Options{AckDelay: 10 * time.Millisecond})
	c := env.conversation(t, customer.ID)
	widget := env.open(t, customer, c.ID, ViewOptions{})

	_, err := widget.Send(context.Background(), "hello?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return countAcks(widget.Messages()) == 1 }, waitFor, tick)

	got, _ := env.store.Conversation(context.Background(), c.ID)
	assert.Equal(t, 1, got.UnreadForCustomer)
}

func TestEnsureConversationRequiresCustomer(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.svc.EnsureConversation(context.Background(), operator)
	assert.True(t, chat.IsValidationError(err))
	_, err = env.svc.EnsureConversation(context.Background(), chat.Actor{Role: chat.RoleCustomer})
	assert.True(t, chat.IsValidationError(err))
}

func TestCustomersOnlyTouchTheirOwnConversation(t *testing.T) {
	env := newTestEnv(t, Options{DisableAutoAck: true})
	ctx := context.Background()
	c := env.conversation(t, customer.ID)
	intruder := chat.Actor{ID: "cust-2", Role: chat.RoleCustomer}

	_, err := env.svc.Send(ctx, intruder, c.ID, "hi")
	assert.ErrorIs(t, err, chat.ErrForbidden)
	_, err = env.svc.OpenConversation(ctx, intruder, c.ID, ViewOptions{})
	assert.ErrorIs(t, err, chat.ErrForbidden)
	assert.ErrorIs(t, env.svc.MarkRead(ctx, intruder, c.ID), chat.ErrForbidden)
	_, err = env.svc.Conversation(ctx, intruder, c.ID)
	assert.ErrorIs(t, err, chat.ErrForbidden)

	got, err := env.svc.Conversation(ctx, customer, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = env.svc.Send(ctx, operator, "missing", "hi")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHeadlessSendDoesNotArm(t *testing.T) {
	env := newTestEnv(t, Options{AckDelay: time.Hour})
	c := env.conversation(t, customer.ID)
	_, err := env.svc.Send(context.Background(), customer, c.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, 0, env.svc.AutoAck().Pending(c.ID))
}

func TestServiceOptions(t *testing.T) {
	env := newTestEnv(t, Options{AckDelay: 2 * time.Second, AckCooldown: time.Minute * 5, AckText: "Got it!"})
	ack := env.svc.AutoAck()
	assert.Equal(t, 2*time.Second, ack.Delay)
	assert.Equal(t, 5*time.Minute, ack.Cooldown)
	assert.Equal(t, "Got it!", ack.Text)
	assert.Equal(t, 5*time.Millisecond, env.svc.MessageLog().Feed().InitialBackoff)

	disabled := newTestEnv(t, Options{DisableAutoAck: true})
	assert.Nil(t, disabled.svc.AutoAck())
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	n.Notify(LevelError, "message not sent")
	n.Notify(LevelWarn, "retrying")
	n.Notify(LevelInfo, "connected")

	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `msg=connected`)

	var called bool
	NotifierFunc(func(Level, string) { called = true }).Notify(LevelInfo, "x")
	assert.True(t, called)
	NopNotifier{}.Notify(LevelError, "ignored")
}

type countingProfiles struct {
	mu    sync.Mutex
	calls int
}

func (c *countingProfiles) Profile(_ context.Context, customerID string) (chat.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if customerID == "unknown" {
		return chat.Profile{}, store.ErrNotFound
	}
	return chat.Profile{CustomerID: customerID, DisplayName: "Ada"}, nil
}

func TestCachedProfiles(t *testing.T) {
	src := &countingProfiles{}
	cp := NewCachedProfiles(src)
	ctx := context.Background()

	for range 3 {
		p, err := cp.Profile(ctx, "cust-1")
		require.NoError(t, err)
		assert.Equal(t, "Ada", p.DisplayName)
	}
	p, err := cp.Profile(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, "unknown", p.CustomerID)
	assert.Equal(t, 2, src.calls)

	cp.Invalidate("cust-1")
	_, _ = cp.Profile(ctx, "cust-1")
	assert.Equal(t, 3, src.calls)
}
