package cmd

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/chatsync/internal/actioncable"
	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/feed"
)

func TestServeHealthAndFeed(t *testing.T) {
	env := setupTestEnv(t)
	conv := env.ensure(t, "cust-1")

	r, stop := background(t, nil, "serve", "--listen", "127.0.0.1:0", "-o", "json")
	eventually(t, func() bool { return strings.Contains(r.stdout.String(), "feed_url") },
		"serve never started; stderr: %s", r.stderr.String())
	started := decodeJSON[map[string]string](t, strings.TrimSpace(r.stdout.String()))
	require.True(t, strings.HasSuffix(started["feed_url"], CablePath))

	resp, err := http.Get("http://" + started["listen"] + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, "ok", health["status"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := actioncable.Connect(ctx, started["feed_url"])
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	require.NoError(t, client.Subscribe(ctx, actioncable.ChannelFor(feed.MessagesOf(conv.ID))))
	events := client.Listen(ctx)

	env.append(t, conv.ID, chat.Actor{ID: "cust-1", Role: chat.RoleCustomer}, "over the wire")

	select {
	case ev := <-events:
		require.NoError(t, ev.Err)
		assert.Contains(t, string(ev.Data), conv.ID)
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	res := stop()
	assert.NoError(t, res.err)
}

func TestServeText(t *testing.T) {
	setupTestEnv(t)

	r, stop := background(t, nil, "serve", "--listen", "127.0.0.1:0")
	eventually(t, func() bool { return strings.Contains(r.stdout.String(), "Serving change feed on ws://127.0.0.1:") })
	assert.NoError(t, stop().err)
}

func TestServePortInUse(t *testing.T) {
	setupTestEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	r := run(t, "serve", "--listen", ln.Addr().String())
	require.Error(t, r.err)
	assert.Contains(t, r.stderr.String(), "listen on")
	assert.Equal(t, exitNetwork, ExitCode(r.err))
}
