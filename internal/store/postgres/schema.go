package postgres

// schema is applied on Open. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id                   TEXT PRIMARY KEY,
		customer_id          TEXT NOT NULL,
		last_message_preview TEXT NOT NULL DEFAULT '',
		last_activity_at     TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		unread_for_operator  INTEGER NOT NULL DEFAULT 0 CHECK (unread_for_operator >= 0),
		unread_for_customer  INTEGER NOT NULL DEFAULT 0 CHECK (unread_for_customer >= 0),
		created_at           TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		CONSTRAINT conversations_customer_id_key UNIQUE (customer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
		sender_id       TEXT NOT NULL,
		sender_role     TEXT NOT NULL CHECK (sender_role IN ('customer', 'operator')),
		content         TEXT NOT NULL CHECK (content <> ''),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_order_idx
		ON messages (conversation_id, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_role_idx
		ON messages (conversation_id, sender_role, created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS customer_profiles (
		customer_id  TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		email        TEXT NOT NULL DEFAULT '',
		phone        TEXT NOT NULL DEFAULT '',
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

const conversationColumns = `id, customer_id, last_message_preview, last_activity_at,
	unread_for_operator, unread_for_customer, created_at`

const messageColumns = `id, conversation_id, sender_id, sender_role, content, created_at`
