package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/config"
	"github.com/chatwoot/chatsync/internal/store"
)

// HandleError processes an error and returns a user-friendly message with suggestions
func HandleError(err error) string {
	if err == nil {
		return ""
	}

	var msg strings.Builder
	var validationErr *chat.ValidationError
	var writeErr *chat.WriteFailure
	var subErr *chat.SubscriptionFailure

	switch {
	case errors.As(err, &validationErr):
		fmt.Fprintf(&msg, "Invalid input: %s\n", validationErr.Error())

	case errors.Is(err, chat.ErrForbidden):
		fmt.Fprintf(&msg, "Permission denied: %s\n\n", err.Error())
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Customers can only access their own conversation\n")
		msg.WriteString("  - Use --as operator:<id> to act on another customer's conversation\n")

	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintf(&msg, "Not found: %s\n\n", err.Error())
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - List conversations: chatsync list\n")
		msg.WriteString("  - Start one for a customer: chatsync ensure <customer-id>\n")

	case errors.As(err, &subErr):
		fmt.Fprintf(&msg, "Live updates stopped: %s\n\n", err.Error())
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Check that the feed server is running: chatsync serve\n")
		msg.WriteString("  - Verify --feed-url or CHATSYNC_FEED_URL\n")

	case errors.As(err, &writeErr):
		fmt.Fprintf(&msg, "Write failed: %s\n\n", err.Error())
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Retry the command; nothing was stored\n")
		msg.WriteString("  - Check the database: CHATSYNC_DATABASE_URL\n")

	case errors.Is(err, config.ErrSecretNotFound), errors.Is(err, config.ErrUnknownSecret):
		fmt.Fprintf(&msg, "Error: %s\n\n", err.Error())
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - List stored secrets: chatsync secrets list\n")
		fmt.Fprintf(&msg, "  - Known secrets: %s\n", strings.Join(config.SecretNames, ", "))

	case errors.Is(err, errFeedWithoutDatabase):
		fmt.Fprintf(&msg, "Error: %s\n\n", err.Error())
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Point serve and follow at the same PostgreSQL database\n")
		msg.WriteString("  - Or drop --feed-url to follow the local store's own feed\n")

	case strings.Contains(err.Error(), "connection refused"):
		msg.WriteString("Connection refused.\n\n")
		msg.WriteString("Suggestions:\n")
		msg.WriteString("  - Check that the database, Redis, or feed server is running\n")
		msg.WriteString("  - Check your network connection\n")

	default:
		fmt.Fprintf(&msg, "Error: %s\n", err.Error())
	}

	return msg.String()
}
