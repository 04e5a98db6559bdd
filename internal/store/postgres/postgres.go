// Package postgres is a PostgreSQL implementation of store.Store.
//
// Conversation uniqueness per customer is a UNIQUE constraint. Appends run in
// one transaction together with a pg_notify, so change-feed notifications are
// delivered at commit and in commit order. Subscribers use a pq.Listener and
// load the full row for each notification.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/feed"
	"github.com/chatwoot/chatsync/internal/store"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying change-feed events.
const NotifyChannel = "chatsync_feed"

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db     *sql.DB
	dsn    string
	broker feed.Broker
	logger *slog.Logger

	minReconnect time.Duration
	maxReconnect time.Duration
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.ProfileStore = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithBroker publishes change-feed events to b after commit and serves
// Subscribe from it instead of LISTEN/NOTIFY.
func WithBroker(b feed.Broker) Option {
	return func(s *Store) { s.broker = b }
}

// WithListenerBackoff sets the pq.Listener reconnect interval bounds.
func WithListenerBackoff(minInterval, maxInterval time.Duration) Option {
	return func(s *Store) {
		s.minReconnect = minInterval
		s.maxReconnect = maxInterval
	}
}

// Open connects to dsn, verifies the connection, and applies the schema.
func Open(ctx context.Context, dsn string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:           db,
		dsn:          dsn,
		logger:       logger,
		minReconnect: 2 * time.Second,
		maxReconnect: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database handle and the external broker, if any.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.broker != nil {
		err = errors.Join(err, s.broker.Close())
	}
	return err
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// mapError translates driver errors into store sentinels.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, what)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return fmt.Errorf("%w: %s", store.ErrDuplicate, what)
		case "foreign_key_violation":
			return fmt.Errorf("%w: %s", store.ErrNotFound, what)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*chat.Conversation, error) {
	var c chat.Conversation
	if err := row.Scan(&c.ID, &c.CustomerID, &c.LastMessagePreview, &c.LastActivityAt,
		&c.UnreadForOperator, &c.UnreadForCustomer, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessage(row scanner) (*chat.Message, error) {
	var m chat.Message
	var role string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &role, &m.Content, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.SenderRole = chat.Role(role)
	return &m, nil
}

func (s *Store) ConversationByCustomer(ctx context.Context, customerID string) (*chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE customer_id = $1`, customerID)
	c, err := scanConversation(row)
	if err != nil {
		return nil, mapError(err, "conversation for customer "+customerID)
	}
	return c, nil
}

func (s *Store) CreateConversation(ctx context.Context, customerID string) (*chat.Conversation, error) {
	var c *chat.Conversation
	err := s.inTx(ctx, func(tx *sql.Tx) ([]feed.Event, error) {
		row := tx.QueryRowContext(ctx,
			`INSERT INTO conversations (id, customer_id) VALUES ($1, $2)
			RETURNING `+conversationColumns, newID(), customerID)
		var err error
		if c, err = scanConversation(row); err != nil {
			return nil, err
		}
		e, err := store.ConversationEvent(feed.OpInsert, c)
		return []feed.Event{e}, err
	})
	if err != nil {
		return nil, mapError(err, "conversation for customer "+customerID)
	}
	return c, nil
}

func (s *Store) Conversation(ctx context.Context, id string) (*chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err != nil {
		return nil, mapError(err, "conversation "+id)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY id`)
	if err != nil {
		return nil, mapError(err, "list conversations")
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, mapError(err, "list conversations")
		}
		out = append(out, *c)
	}
	return out, mapError(rows.Err(), "list conversations")
}

func (s *Store) AppendMessage(ctx context.Context, nm store.NewMessage) (*chat.Message, error) {
	operatorInc, customerInc := 0, 0
	if nm.Sender.Role.Recipient() == chat.RoleOperator {
		operatorInc = 1
	} else {
		customerInc = 1
	}

	var m *chat.Message
	err := s.inTx(ctx, func(tx *sql.Tx) ([]feed.Event, error) {
		row := tx.QueryRowContext(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, sender_role, content)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+messageColumns,
			newID(), nm.ConversationID, nm.Sender.ID, string(nm.Sender.Role), nm.Content)
		var err error
		if m, err = scanMessage(row); err != nil {
			return nil, err
		}

		row = tx.QueryRowContext(ctx,
			`UPDATE conversations SET
				last_message_preview = $2,
				last_activity_at = GREATEST(last_activity_at, $3),
				unread_for_operator = unread_for_operator + $4,
				unread_for_customer = unread_for_customer + $5
			WHERE id = $1
			RETURNING `+conversationColumns,
			nm.ConversationID, store.Preview(m.Content), m.CreatedAt, operatorInc, customerInc)
		c, err := scanConversation(row)
		if err != nil {
			return nil, err
		}

		msgEvent, err := store.MessageEvent(m)
		if err != nil {
			return nil, err
		}
		convEvent, err := store.ConversationEvent(feed.OpUpdate, c)
		return []feed.Event{msgEvent, convEvent}, err
	})
	if err != nil {
		return nil, mapError(err, "conversation "+nm.ConversationID)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if _, err := s.Conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY created_at, id`,
		conversationID)
	if err != nil {
		return nil, mapError(err, "list messages")
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapError(err, "list messages")
		}
		out = append(out, *m)
	}
	return out, mapError(rows.Err(), "list messages")
}

func (s *Store) message(ctx context.Context, id string) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, mapError(err, "message "+id)
	}
	return m, nil
}

func (s *Store) LatestMessageByRole(ctx context.Context, conversationID string, role chat.Role, excludeSenders ...string) (*chat.Message, error) {
	if excludeSenders == nil {
		excludeSenders = []string{}
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND sender_role = $2 AND NOT (sender_id = ANY($3))
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		conversationID, string(role), pq.Array(excludeSenders))
	m, err := scanMessage(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("%s message in conversation %s", role, conversationID))
	}
	return m, nil
}

var resetQueries = map[chat.Role]string{
	chat.RoleOperator: `UPDATE conversations SET unread_for_operator = 0
		WHERE id = $1 AND unread_for_operator <> 0 RETURNING ` + conversationColumns,
	chat.RoleCustomer: `UPDATE conversations SET unread_for_customer = 0
		WHERE id = $1 AND unread_for_customer <> 0 RETURNING ` + conversationColumns,
}

func (s *Store) ResetUnread(ctx context.Context, conversationID string, role chat.Role) error {
	query, ok := resetQueries[role]
	if !ok {
		return fmt.Errorf("reset unread: unknown role %q", role)
	}
	err := s.inTx(ctx, func(tx *sql.Tx) ([]feed.Event, error) {
		c, err := scanConversation(tx.QueryRowContext(ctx, query, conversationID))
		if errors.Is(err, sql.ErrNoRows) {
			// Already zero, or missing.
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists); err != nil {
				return nil, err
			}
			if !exists {
				return nil, sql.ErrNoRows
			}
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		e, err := store.ConversationEvent(feed.OpUpdate, c)
		return []feed.Event{e}, err
	})
	return mapError(err, "conversation "+conversationID)
}

func (s *Store) PutProfile(ctx context.Context, p chat.Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customer_profiles (customer_id, display_name, email, phone)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (customer_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			updated_at = now()`,
		p.CustomerID, p.DisplayName, p.Email, p.Phone)
	return mapError(err, "profile "+p.CustomerID)
}

func (s *Store) Profile(ctx context.Context, customerID string) (chat.Profile, error) {
	p := chat.Profile{CustomerID: customerID}
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name, email, phone FROM customer_profiles WHERE customer_id = $1`,
		customerID).Scan(&p.DisplayName, &p.Email, &p.Phone)
	if err != nil {
		return chat.Profile{}, mapError(err, "profile "+customerID)
	}
	return p, nil
}

// inTx runs fn in a transaction. The events fn returns are announced with
// pg_notify inside the transaction, or published to the external broker
// after commit.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) ([]feed.Event, error)) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	events, err := fn(tx)
	if err != nil {
		return err
	}
	if s.broker == nil {
		for _, e := range events {
			payload, err := encodeNotification(e)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, payload); err != nil {
				return err
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	if s.broker != nil {
		for _, e := range events {
			if perr := s.broker.Publish(ctx, e); perr != nil {
				s.logger.Warn("change-feed publish failed", "table", e.Table, "error", perr)
			}
		}
	}
	return nil
}

// notification is the NOTIFY payload. Rows are not included because
// payloads are limited to 8000 bytes; listeners load them by key.
type notification struct {
	Op    feed.Op           `json:"op"`
	Table string            `json:"table"`
	Keys  map[string]string `json:"keys"`
}

func encodeNotification(e feed.Event) (string, error) {
	data, err := json.Marshal(notification{Op: e.Op, Table: e.Table, Keys: e.Keys})
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}
	return string(data), nil
}

func decodeNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.Table == "" || n.Keys["id"] == "" {
		return notification{}, fmt.Errorf("decode notification: missing table or id")
	}
	return n, nil
}
