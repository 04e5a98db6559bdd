// Package resolve maps free-text references (a conversation ID, a customer
// ID, or part of a customer's name) to conversations.
package resolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"
)

// Candidate is a conversation that a query can resolve to.
type Candidate struct {
	ConversationID string
	CustomerID     string
	// Label is the text matched fuzzily, usually the customer's display name.
	Label string
}

// Match is a ranked result.
type Match struct {
	ConversationID string
	Label          string
	Score          int
}

var (
	ErrEmptyQuery      = errors.New("empty search query")
	ErrEmptyCandidates = errors.New("no conversations to match against")
)

// AmbiguousError indicates multiple candidates matched equally well.
type AmbiguousError struct {
	Query   string
	Matches []Match
}

func (e *AmbiguousError) Error() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "ambiguous match for %q", e.Query)
	if len(e.Matches) > 0 {
		b.WriteString(", candidates:")
		for _, m := range e.Matches {
			_, _ = fmt.Fprintf(&b, "\n  %s: %s", m.ConversationID, m.Label)
		}
	}
	return b.String()
}

type labels []Candidate

func (s labels) String(i int) string { return strings.ToLower(s[i].Label) }
func (s labels) Len() int            { return len(s) }

// Conversation resolves query to a conversation ID.
//
// An exact conversation or customer ID wins, then an exact case-insensitive
// label, then the best fuzzy label match. A tie between the top two fuzzy
// results is an *AmbiguousError.
func Conversation(query string, candidates []Candidate) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	if len(candidates) == 0 {
		return "", ErrEmptyCandidates
	}

	for _, c := range candidates {
		if c.ConversationID == query || c.CustomerID == query {
			return c.ConversationID, nil
		}
	}
	for _, c := range candidates {
		if strings.EqualFold(c.Label, query) {
			return c.ConversationID, nil
		}
	}

	results := fuzzy.FindFrom(strings.ToLower(query), labels(candidates))
	if len(results) == 0 {
		return "", fmt.Errorf("no conversation matches %q", query)
	}
	if len(results) > 1 && results[0].Score == results[1].Score {
		return "", &AmbiguousError{
			Query:   query,
			Matches: buildMatches(candidates, results, 5),
		}
	}
	return candidates[results[0].Index].ConversationID, nil
}

// Rank returns up to limit fuzzy label matches, best first.
func Rank(query string, candidates []Candidate, limit int) []Match {
	query = strings.TrimSpace(query)
	if query == "" || len(candidates) == 0 || limit <= 0 {
		return nil
	}
	results := fuzzy.FindFrom(strings.ToLower(query), labels(candidates))
	return buildMatches(candidates, results, limit)
}

func buildMatches(candidates []Candidate, results fuzzy.Matches, limit int) []Match {
	if len(results) == 0 || limit <= 0 {
		return nil
	}
	if len(results) > limit {
		results = results[:limit]
	}
	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			ConversationID: candidates[r.Index].ConversationID,
			Label:          candidates[r.Index].Label,
			Score:          r.Score,
		}
	}
	return matches
}
