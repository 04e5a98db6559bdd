// Package chat holds the conversation and message types shared by the
// synchronization core, the stores, and the change-feed transports.
package chat

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies which side of a conversation an actor is on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
)

// ParseRole parses a role name. Matching is case-insensitive.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleCustomer:
		return RoleCustomer, nil
	case RoleOperator:
		return RoleOperator, nil
	default:
		return "", fmt.Errorf("invalid role %q (use 'customer' or 'operator')", s)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleOperator
}

// Recipient returns the role on the other side of the conversation.
func (r Role) Recipient() Role {
	if r == RoleCustomer {
		return RoleOperator
	}
	return RoleCustomer
}

// Actor is the identity performing an operation. It is passed explicitly to
// every core call instead of being read from ambient session state.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemAckID is the sender identity used for automated acknowledgements.
const SystemAckID = "system:auto-ack"

// SystemActor returns the privileged service identity that writes automated
// acknowledgements. It posts on the operator side of the thread.
func SystemActor() Actor {
	return Actor{ID: SystemAckID, Role: RoleOperator}
}

func (a Actor) String() string {
	return string(a.Role) + ":" + a.ID
}

// ParseActor parses "role:id", e.g. "customer:cust-42".
func ParseActor(s string) (Actor, error) {
	role, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || strings.TrimSpace(id) == "" {
		return Actor{}, fmt.Errorf("invalid actor %q (use role:id, e.g. customer:cust-42)", s)
	}
	r, err := ParseRole(role)
	if err != nil {
		return Actor{}, err
	}
	return Actor{ID: strings.TrimSpace(id), Role: r}, nil
}

// Conversation is the per-customer support thread. At most one exists per
// CustomerID.
type Conversation struct {
	ID                 string    `json:"id"`
	CustomerID         string    `json:"customer_id"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	UnreadForOperator  int       `json:"unread_for_operator"`
	UnreadForCustomer  int       `json:"unread_for_customer"`
	CreatedAt          time.Time `json:"created_at"`
}

// Unread returns the unread counter belonging to role.
func (c *Conversation) Unread(role Role) int {
	if role == RoleOperator {
		return c.UnreadForOperator
	}
	return c.UnreadForCustomer
}

// Message is a single immutable entry in a conversation's log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderRole     Role      `json:"sender_role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsAutoAck reports whether the message was written by the acknowledgement
// responder.
func (m *Message) IsAutoAck() bool {
	return m.SenderID == SystemAckID
}

// Profile is the customer identity data used for operator-side search.
type Profile struct {
	CustomerID  string `json:"customer_id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// Matches reports whether the lower-cased needle occurs in any of the
// searchable profile fields.
func (p Profile) Matches(needle string) bool {
	needle = strings.ToLower(strings.TrimSpace(needle))
	if needle == "" {
		return true
	}
	for _, field := range []string{p.DisplayName, p.Email, p.Phone} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}
