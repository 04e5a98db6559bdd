//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/feed"
	"github.com/chatwoot/chatsync/internal/store"
)

var testStore *Store

// TestMain starts a PostgreSQL container shared by all integration tests.
func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "chatsync",
				"POSTGRES_PASSWORD": "chatsync",
				"POSTGRES_DB":       "chatsync",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://chatsync:chatsync@%s:%s/chatsync?sslmode=disable", host, port.Port())
	testStore, err = Open(ctx, dsn, nil, WithListenerBackoff(100*time.Millisecond, time.Second))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	code := m.Run()

	_ = testStore.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func uniqueCustomer(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func TestIntegrationCreateConversationUnique(t *testing.T) {
	ctx := context.Background()
	customerID := uniqueCustomer(t)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	created, duplicates := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := testStore.CreateConversation(ctx, customerID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, store.ErrDuplicate):
				duplicates++
			default:
				t.Errorf("CreateConversation: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || duplicates != workers-1 {
		t.Fatalf("expected 1 created and %d duplicates, got %d and %d", workers-1, created, duplicates)
	}
}

func TestIntegrationAppendAndList(t *testing.T) {
	ctx := context.Background()
	c, err := testStore.CreateConversation(ctx, uniqueCustomer(t))
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	customer := chat.Actor{ID: "cust", Role: chat.RoleCustomer}
	operator := chat.Actor{ID: "op", Role: chat.RoleOperator}
	var ids []string
	for i, sender := range []chat.Actor{customer, operator, customer} {
		m, err := testStore.AppendMessage(ctx, store.NewMessage{ConversationID: c.ID, Sender: sender, Content: fmt.Sprintf("msg %d", i)})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		ids = append(ids, m.ID)
	}

	msgs, err := testStore.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.ID != ids[i] {
			t.Fatalf("message %d out of order: %s", i, m.ID)
		}
	}

	got, err := testStore.Conversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got.UnreadForOperator != 2 || got.UnreadForCustomer != 1 || got.LastMessagePreview != "msg 2" {
		t.Fatalf("unexpected conversation %+v", got)
	}

	latest, err := testStore.LatestMessageByRole(ctx, c.ID, chat.RoleOperator)
	if err != nil || latest.ID != ids[1] {
		t.Fatalf("LatestMessageByRole = %v, %v", latest, err)
	}

	if err := testStore.ResetUnread(ctx, c.ID, chat.RoleOperator); err != nil {
		t.Fatalf("ResetUnread: %v", err)
	}
	if err := testStore.ResetUnread(ctx, c.ID, chat.RoleOperator); err != nil {
		t.Fatalf("ResetUnread (repeat): %v", err)
	}
	_, _ = testStore.AppendMessage(ctx, store.NewMessage{ConversationID: c.ID, Sender: customer, Content: "again"})
	got, _ = testStore.Conversation(ctx, c.ID)
	if got.UnreadForOperator != 1 {
		t.Fatalf("expected unread 1 after reset and one message, got %d", got.UnreadForOperator)
	}
}

func TestIntegrationMissingConversation(t *testing.T) {
	ctx := context.Background()
	_, err := testStore.AppendMessage(ctx, store.NewMessage{ConversationID: "missing", Sender: chat.Actor{ID: "x", Role: chat.RoleCustomer}, Content: "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := testStore.ResetUnread(ctx, "missing", chat.RoleOperator); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIntegrationSubscribeDeliversFullRows(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := testStore.CreateConversation(ctx, uniqueCustomer(t))
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	events, err := testStore.Subscribe(ctx, feed.MessagesOf(c.ID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sent, err := testStore.AppendMessage(ctx, store.NewMessage{
		ConversationID: c.ID,
		Sender:         chat.Actor{ID: "cust", Role: chat.RoleCustomer},
		Content:        "hello over notify",
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	select {
	case e := <-events:
		var m chat.Message
		if err := e.Decode(&m); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if m.ID != sent.ID || m.Content != "hello over notify" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for notification")
	}
}

func TestIntegrationProfiles(t *testing.T) {
	ctx := context.Background()
	p := chat.Profile{CustomerID: uniqueCustomer(t), DisplayName: "Ada", Email: "ada@example.com"}
	if err := testStore.PutProfile(ctx, p); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	p.Phone = "+15550100"
	if err := testStore.PutProfile(ctx, p); err != nil {
		t.Fatalf("PutProfile (update): %v", err)
	}
	got, err := testStore.Profile(ctx, p.CustomerID)
	if err != nil || got != p {
		t.Fatalf("Profile = %+v, %v", got, err)
	}
}
