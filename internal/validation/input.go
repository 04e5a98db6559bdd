package validation

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/chatwoot/chatsync/internal/chat"
)

// Input length limits to prevent resource exhaustion
const (
	MaxNameLength    = 255
	MaxEmailLength   = 320    // RFC 5321: 64 chars (local) + 1 (@) + 255 (domain) = 320
	MaxPhoneLength   = 20     // International E.164 format
	MaxMessageLength = 100000 // 100KB for message content
	MaxIDLength      = 128
)

func invalid(field, format string, args ...any) *chat.ValidationError {
	reason := format
	if len(args) > 0 {
		reason = fmt.Sprintf(format, args...)
	}
	return &chat.ValidationError{Field: field, Reason: reason}
}

// ValidateMessageContent rejects blank or oversized message content.
// Whitespace-only content counts as blank.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return invalid("content", "must not be empty")
	}

	// Use byte length for message content as it's transmitted as UTF-8
	if length := len(content); length > MaxMessageLength {
		return invalid("content", "exceeds maximum size of %d bytes (got %d)", MaxMessageLength, length)
	}
	if !utf8.ValidString(content) {
		return invalid("content", "is not valid UTF-8")
	}
	return nil
}

// ValidateID validates an opaque identifier such as a customer or
// conversation id.
func ValidateID(field, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return invalid(field, "is required")
	}
	if len(id) > MaxIDLength {
		return invalid(field, "exceeds maximum length of %d characters", MaxIDLength)
	}
	return nil
}

// ValidateProfile validates the optional searchable fields of a profile.
func ValidateProfile(p chat.Profile) error {
	if err := ValidateID("customer_id", p.CustomerID); err != nil {
		return err
	}
	if n := utf8.RuneCountInString(p.DisplayName); n > MaxNameLength {
		return invalid("display_name", "exceeds maximum length of %d characters (got %d)", MaxNameLength, n)
	}
	if p.Email != "" {
		if n := utf8.RuneCountInString(p.Email); n > MaxEmailLength {
			return invalid("email", "exceeds maximum length of %d characters (got %d)", MaxEmailLength, n)
		}
		if _, err := mail.ParseAddress(p.Email); err != nil {
			return invalid("email", "invalid format: %v", err)
		}
	}
	if p.Phone != "" {
		if n := utf8.RuneCountInString(p.Phone); n > MaxPhoneLength {
			return invalid("phone", "exceeds maximum length of %d characters (got %d)", MaxPhoneLength, n)
		}
		// Allows digits, spaces, dashes, parentheses, and leading +.
		for i, r := range p.Phone {
			if r == '+' && i == 0 {
				continue
			}
			if r >= '0' && r <= '9' {
				continue
			}
			if r == ' ' || r == '-' || r == '(' || r == ')' {
				continue
			}
			return invalid("phone", "contains invalid character %s", strconv.QuoteRune(r))
		}
	}
	return nil
}
