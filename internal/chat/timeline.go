package chat

import (
	"slices"
	"sync"
)

// Less orders messages by CreatedAt, breaking exact ties by ID.
func Less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Compare is Less in the three-way form used by the slices package.
func Compare(a, b Message) int {
	switch {
	case Less(&a, &b):
		return -1
	case Less(&b, &a):
		return 1
	default:
		return 0
	}
}

// SortMessages sorts msgs in place into timeline order.
func SortMessages(msgs []Message) {
	slices.SortFunc(msgs, Compare)
}

// Timeline is the local, ordered mirror of one conversation's log. Every
// message is held at most once, keyed by its server-assigned ID, no matter how
// many delivery paths hand it over.
//
// Timeline is safe for concurrent use.
type Timeline struct {
	mu       sync.RWMutex
	messages []Message
	ids      map[string]struct{}
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{ids: make(map[string]struct{})}
}

// Merge inserts m at its ordered position unless a message with the same ID
// is already present. It reports whether the timeline changed.
func (t *Timeline) Merge(m Message) bool {
	if m.ID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[m.ID]; ok {
		return false
	}
	t.ids[m.ID] = struct{}{}

	// Appends are the common case; only walk back when a late delivery lands
	// behind newer messages.
	i := len(t.messages)
	for i > 0 && Less(&m, &t.messages[i-1]) {
		i--
	}
	t.messages = slices.Insert(t.messages, i, m)
	return true
}

// MergeAll merges every message and returns how many were new.
func (t *Timeline) MergeAll(msgs []Message) int {
	added := 0
	for _, m := range msgs {
		if t.Merge(m) {
			added++
		}
	}
	return added
}

// Contains reports whether a message with id is present.
func (t *Timeline) Contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Messages returns a copy of the ordered messages.
func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages)
}

// Last returns the newest message, if any.
func (t *Timeline) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}
