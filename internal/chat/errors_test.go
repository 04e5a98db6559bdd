package chat

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorHelpers(t *testing.T) {
	cause := errors.New("connection reset")
	wf := fmt.Errorf("send: %w", &WriteFailure{Op: "append message", Err: cause})
	if !IsWriteFailure(wf) {
		t.Fatal("expected write failure")
	}
	if !errors.Is(wf, cause) {
		t.Fatal("write failure should unwrap to its cause")
	}
	if IsValidationError(wf) || IsSubscriptionFailure(wf) {
		t.Fatal("unexpected classification")
	}

	ve := &ValidationError{Field: "content", Reason: "must not be empty"}
	if ve.Error() != "invalid content: must not be empty" {
		t.Fatalf("unexpected message: %s", ve.Error())
	}

	sf := &SubscriptionFailure{Topic: "messages", Attempts: 3, Err: cause}
	if !IsSubscriptionFailure(sf) || !errors.Is(sf, cause) {
		t.Fatal("expected subscription failure wrapping cause")
	}
}
