// Package dryrun previews writes without performing them.
package dryrun

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
)

type contextKey struct{}

// WithDryRun returns a context with dry-run mode enabled or disabled.
func WithDryRun(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, contextKey{}, enabled)
}

// IsEnabled reports whether dry-run mode is enabled.
func IsEnabled(ctx context.Context) bool {
	v, _ := ctx.Value(contextKey{}).(bool)
	return v
}

// Preview describes a write that would have happened.
type Preview struct {
	Operation      string            `json:"operation"`
	ConversationID string            `json:"conversation_id"`
	Actor          string            `json:"actor"`
	Details        map[string]string `json:"details,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	DryRun         bool              `json:"dry_run"`
}

// New returns a preview with DryRun set.
func New(operation, conversationID, actor string) *Preview {
	return &Preview{Operation: operation, ConversationID: conversationID, Actor: actor, DryRun: true}
}

// Set records a detail line.
func (p *Preview) Set(key, value string) *Preview {
	if p.Details == nil {
		p.Details = make(map[string]string)
	}
	p.Details[key] = value
	return p
}

// Warn records a warning.
func (p *Preview) Warn(format string, args ...any) *Preview {
	p.Warnings = append(p.Warnings, fmt.Sprintf(format, args...))
	return p
}

// Write renders the preview as text. Details are sorted by key.
func (p *Preview) Write(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[DRY-RUN] Would %s in conversation %s as %s\n", p.Operation, p.ConversationID, p.Actor)

	keys := make([]string, 0, len(p.Details))
	for k := range p.Details {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, p.Details[k])
	}
	for _, warning := range p.Warnings {
		fmt.Fprintf(&b, "  ! %s\n", warning)
	}
	b.WriteString("No changes made (dry-run mode)\n")

	_, err := io.WriteString(w, b.String())
	return err
}
