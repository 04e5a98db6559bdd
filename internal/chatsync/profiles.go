package chatsync

import (
	"context"
	"errors"

	"github.com/chatwoot/chatsync/internal/cache"
	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/store"
)

// ProfileSource supplies customer profiles. It returns an error wrapping
// store.ErrNotFound for unknown customers.
type ProfileSource interface {
	Profile(ctx context.Context, customerID string) (chat.Profile, error)
}

// CachedProfiles memoizes a ProfileSource. Unknown customers are cached as
// empty profiles.
type CachedProfiles struct {
	src   ProfileSource
	cache *cache.Store[string, chat.Profile]
}

func NewCachedProfiles(src ProfileSource) *CachedProfiles {
	return &CachedProfiles{src: src, cache: cache.New[string, chat.Profile]()}
}

func (c *CachedProfiles) Profile(ctx context.Context, customerID string) (chat.Profile, error) {
	if p, ok := c.cache.Get(customerID); ok {
		return p, nil
	}
	p, err := c.src.Profile(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		p, err = chat.Profile{CustomerID: customerID}, nil
	}
	if err != nil {
		return chat.Profile{}, err
	}
	c.cache.Put(customerID, p)
	return p, nil
}

// Invalidate drops a cached profile so the next lookup reloads it.
func (c *CachedProfiles) Invalidate(customerID string) {
	c.cache.Delete(customerID)
}

// Clear drops every cached profile.
func (c *CachedProfiles) Clear() {
	c.cache.Clear()
}

type noProfiles struct{}

func (noProfiles) Profile(_ context.Context, customerID string) (chat.Profile, error) {
	return chat.Profile{CustomerID: customerID}, nil
}
