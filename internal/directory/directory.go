// Package directory memoizes user lookups for one view session.
//
// Entries live as long as the Cache: there is no eviction and no
// invalidation. User records change rarely and a stale name or avatar is
// harmless for display, so a Cache is created per view session and
// dropped with it.
package directory

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"chatverse/internal/user"
)

// Lookup fetches a user record by id.
type Lookup interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

type Cache struct {
	lookup    Lookup
	assistant *user.User

	mu      sync.RWMutex
	entries map[string]*user.User
	group   singleflight.Group
}

func New(lookup Lookup, assistant *user.User) *Cache {
	return &Cache{
		lookup:    lookup,
		assistant: assistant,
		entries:   make(map[string]*user.User),
	}
}

// Resolve returns the user for id, fetching it on first request. Failed
// lookups are not remembered.
func (c *Cache) Resolve(ctx context.Context, id string) (*user.User, error) {
	if id == user.AssistantID {
		return c.assistant, nil
	}

	c.mu.RLock()
	u, ok := c.entries[id]
	c.mu.RUnlock()
	if ok {
		return u, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		u, err := c.lookup.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[id] = u
		c.mu.Unlock()
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*user.User), nil
}

// ResolveOrUnknown never fails: unresolvable ids map to the placeholder.
func (c *Cache) ResolveOrUnknown(ctx context.Context, id string) *user.User {
	u, err := c.Resolve(ctx, id)
	if err != nil {
		return user.Unknown(id)
	}
	return u
}

// ResolveAll resolves ids in parallel, keeping their order. Ids that fail
// to resolve come back as the Unknown placeholder.
func (c *Cache) ResolveAll(ctx context.Context, ids []string) []*user.User {
	out := make([]*user.User, len(ids))
	var g errgroup.Group
	g.SetLimit(16)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			out[i] = c.ResolveOrUnknown(ctx, id)
			return nil
		})
	}
	g.Wait()
	return out
}

// Put seeds the cache, typically with the viewer's own record.
func (c *Cache) Put(u *user.User) {
	if u == nil {
		return
	}
	c.mu.Lock()
	c.entries[u.ID] = u
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
