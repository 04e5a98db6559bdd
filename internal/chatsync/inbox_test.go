package chatsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/chatsync/internal/chat"
)

func seedInbox(t *testing.T, env *testEnv) map[string]*chat.Conversation {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2020, 7, 1, 8, 0, 0, 0, time.UTC)
	profiles := []chat.Profile{
		{CustomerID: "cust-ada", DisplayName: "Ada Lovelace", Email: "ada@example.com", Phone: "+44 20 7946 0001"},
		{CustomerID: "cust-grace", DisplayName: "Grace Hopper", Email: "grace@navy.example"},
		{CustomerID: "cust-alan", DisplayName: "Alan Turing", Phone: "+44 161 555 0199"},
	}
	convs := map[string]*chat.Conversation{}
	for i, p := range profiles {
		require.NoError(t, env.store.PutProfile(ctx, p))
		env.store.Now = func() time.Time { return start.Add(time.Duration(i) * time.Minute) }
		c := env.conversation(t, p.CustomerID)
		_, err := env.svc.Send(ctx, chat.Actor{ID: p.CustomerID, Role: chat.RoleCustomer}, c.ID, "hello from "+p.DisplayName)
		require.NoError(t, err)
		convs[p.CustomerID] = c
	}
	env.store.Now = time.Now
	return convs
}

func customerIDs(convs []chat.Conversation) []string {
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.CustomerID
	}
	return ids
}

func TestListConversationsSortedAndFiltered(t *testing.T) {
	env := newTestEnv(t, Options{DisableAutoAck: true})
	seedInbox(t, env)
	ctx := context.Background()

	all, err := env.svc.ListConversations(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cust-alan", "cust-grace", "cust-ada"}, customerIDs(all))

	for filter, want := range map[string][]string{
		"LOVELACE":    {"cust-ada"},
		"navy":        {"cust-grace"},
		"+44":         {"cust-alan", "cust-ada"},
		"nobody-here": {},
	} {
		got, err := env.svc.ListConversations(ctx, filter)
		require.NoError(t, err)
		assert.Equal(t, want, customerIDs(got), "filter %q", filter)
	}
}

func TestInboxRefreshesOnActivity(t *testing.T) {
	env := newTestEnv(t, Options{DisableAutoAck: true})
	convs := seedInbox(t, env)
	ctx := context.Background()

	inbox := env.svc.NewInbox()
	var refreshes atomic.Int32
	inbox.OnChange = func() { refreshes.Add(1) }
	require.NoError(t, inbox.Start(ctx))
	t.Cleanup(inbox.Close)
	require.Error(t, inbox.Start(ctx), "second start")

	require.Equal(t, "cust-alan", inbox.List("")[0].CustomerID)

	_, err := env.svc.Send(ctx, chat.Actor{ID: "cust-ada", Role: chat.RoleCustomer}, convs["cust-ada"].ID, "any news?")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		list := inbox.List("")
		return len(list) == 3 && list[0].CustomerID == "cust-ada" && list[0].UnreadForOperator == 2
	}, waitFor, tick)

	newcomer := env.conversation(t, "cust-new")
	require.Eventually(t, func() bool { return len(inbox.List("")) == 4 }, waitFor, tick)
	var label string
	for _, e := range inbox.Entries("") {
		if e.Conversation.ID == newcomer.ID {
			label = e.Label()
		}
	}
	assert.Equal(t, "cust-new", label, "an unknown profile falls back to the customer id")
	assert.GreaterOrEqual(t, refreshes.Load(), int32(3))
}

func TestInboxPicksUpProfileEditsOnActivity(t *testing.T) {
	env := newTestEnv(t, Options{DisableAutoAck: true})
	convs := seedInbox(t, env)
	ctx := context.Background()

	inbox := env.svc.NewInbox()
	require.NoError(t, inbox.Start(ctx))
	t.Cleanup(inbox.Close)

	adaName := func() string {
		for _, e := range inbox.Entries("") {
			if e.Conversation.CustomerID == "cust-ada" {
				return e.Profile.DisplayName
			}
		}
		return ""
	}
	require.Equal(t, "Ada Lovelace", adaName())

	require.NoError(t, env.store.PutProfile(ctx, chat.Profile{CustomerID: "cust-ada", DisplayName: "Countess of Lovelace"}))
	// Activity in another customer's conversation refreshes the whole list.
	_, err := env.svc.Send(ctx, chat.Actor{ID: "cust-grace", Role: chat.RoleCustomer}, convs["cust-grace"].ID, "ping")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return adaName() == "Countess of Lovelace" }, waitFor, tick)
}

func TestInboxResyncsAfterReconnect(t *testing.T) {
	env := newTestEnv(t, Options{DisableAutoAck: true})
	seedInbox(t, env)

	inbox := env.svc.NewInbox()
	var refreshes atomic.Int32
	inbox.OnChange = func() { refreshes.Add(1) }
	require.NoError(t, inbox.Start(context.Background()))
	t.Cleanup(inbox.Close)

	before := refreshes.Load()
	env.broker.Disconnect()
	require.Eventually(t, func() bool { return refreshes.Load() > before }, waitFor, tick)
}

func TestInboxSearchAndResolve(t *testing.T) {
	env := newTestEnv(t, Options{DisableAutoAck: true})
	convs := seedInbox(t, env)
	inbox := env.svc.NewInbox()
	require.NoError(t, inbox.Refresh(context.Background()))

	results := inbox.Search("hopper", 5)
	require.NotEmpty(t, results)
	assert.Equal(t, "cust-grace", results[0].Conversation.CustomerID)
	assert.Equal(t, "Grace Hopper", results[0].Label())

	id, err := inbox.Resolve("turing")
	require.NoError(t, err)
	assert.Equal(t, convs["cust-alan"].ID, id)

	id, err = inbox.Resolve("cust-ada")
	require.NoError(t, err)
	assert.Equal(t, convs["cust-ada"].ID, id)
}

func TestInboxOpenMarksRead(t *testing.T) {
	env := newTestEnv(t, Options{DisableAutoAck: true})
	convs := seedInbox(t, env)
	ctx := context.Background()
	inbox := env.svc.NewInbox()

	_, err := inbox.Open(ctx, customer, convs["cust-ada"].ID, ViewOptions{})
	assert.True(t, chat.IsValidationError(err))

	v, err := inbox.Open(ctx, operator, convs["cust-ada"].ID, ViewOptions{})
	require.NoError(t, err)
	defer v.Close()

	got, _ := env.store.Conversation(ctx, convs["cust-ada"].ID)
	assert.Equal(t, 0, got.UnreadForOperator)
	assert.Len(t, v.Messages(), 1)
}

type failingProfiles struct{}

func (failingProfiles) Profile(context.Context, string) (chat.Profile, error) {
	return chat.Profile{}, errors.New("identity provider down")
}

func TestInboxRefreshKeepsListOnProfileFailure(t *testing.T) {
	env := newTestEnv(t, Options{DisableAutoAck: true})
	seedInbox(t, env)
	inbox := env.svc.NewInbox()
	require.NoError(t, inbox.Refresh(context.Background()))

	inbox.profiles = failingProfiles{}
	inbox.ProfileConcurrency = 1
	assert.Error(t, inbox.Refresh(context.Background()))
	assert.Len(t, inbox.List(""), 3)
}

func TestInboxEntryLabel(t *testing.T) {
	e := InboxEntry{Conversation: chat.Conversation{CustomerID: "cust-9"}}
	assert.Equal(t, "cust-9", e.Label())
	e.Profile.Phone = "+1 555"
	assert.Equal(t, "+1 555", e.Label())
	e.Profile.Email = "x@example.com"
	assert.Equal(t, "x@example.com", e.Label())
}
