package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/config"
	"github.com/chatwoot/chatsync/internal/iocontext"
	"github.com/chatwoot/chatsync/internal/store"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of
// long-running commands.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// sharedStore keeps one in-memory store alive across Execute calls.
type sharedStore struct {
	*store.Memory
}

func (sharedStore) Close() error { return nil }

type testEnv struct {
	store *store.Memory
}

// setupTestEnv points every command at one in-memory store and shortens
// the acknowledgement timers.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemory(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	original := openStore
	openStore = func(context.Context, config.Config, *slog.Logger) (store.Store, error) {
		return sharedStore{mem}, nil
	}
	t.Cleanup(func() {
		openStore = original
		_ = mem.Close()
	})
	t.Setenv(config.EnvAckDelay, "20ms")
	t.Setenv(config.EnvAckCooldown, "1s")
	return &testEnv{store: mem}
}

type result struct {
	stdout *syncBuffer
	stderr *syncBuffer
	err    error
}

// execute runs the CLI with injected streams.
func execute(ctx context.Context, stdin io.Reader, args ...string) result {
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	r := result{stdout: &syncBuffer{}, stderr: &syncBuffer{}}
	ctx = iocontext.WithIO(ctx, &iocontext.IO{Out: r.stdout, ErrOut: r.stderr, In: stdin})
	r.err = Execute(ctx, args)
	return r
}

func run(t *testing.T, args ...string) result {
	t.Helper()
	return execute(context.Background(), nil, args...)
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	r := run(t, args...)
	require.NoError(t, r.err, "stderr: %s", r.stderr.String())
	return r.stdout.String()
}

func decodeJSON[T any](t *testing.T, data string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(data), &v), "output: %s", data)
	return v
}

// lastJSONLine skips log lines mixed into stderr.
func lastJSONLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "{") {
			return lines[i]
		}
	}
	return ""
}

// decodeItems decodes list output, which is wrapped as {"items": [...]}.
func decodeItems[T any](t *testing.T, data string) []T {
	t.Helper()
	return decodeJSON[struct {
		Items []T `json:"items"`
	}](t, data).Items
}

func (e *testEnv) ensure(t *testing.T, customerID string) chat.Conversation {
	t.Helper()
	return decodeJSON[chat.Conversation](t, mustRun(t, "ensure", customerID, "-o", "json"))
}

// background runs a long-lived command until the returned stop func is
// called, which cancels it and returns its result.
func background(t *testing.T, stdin io.Reader, args ...string) (result, func() result) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := result{stdout: &syncBuffer{}, stderr: &syncBuffer{}}
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	ioCtx := iocontext.WithIO(ctx, &iocontext.IO{Out: r.stdout, ErrOut: r.stderr, In: stdin})
	done := make(chan error, 1)
	go func() { done <- Execute(ioCtx, args) }()

	var once sync.Once
	stop := func() result {
		once.Do(func() {
			cancel()
			select {
			case r.err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("command did not stop")
			}
		})
		return r
	}
	t.Cleanup(func() { stop() })
	return r, stop
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msgAndArgs...)
}
