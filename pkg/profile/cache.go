package profile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/perigee-storage/perigee/pkg/storage"
)

const keyPrefix = "profile/"

// Key is the store key a provider's profile persists under.
func Key(id string) string {
	return keyPrefix + id
}

// Cache loads and persists profiles in a storage.Store. It is not
// safe for concurrent use on its own: the node catalog serializes all
// access behind its registry lock, so sizing updates from concurrent
// transfer completions cannot be lost.
type Cache struct {
	store    storage.Store
	l        *zap.Logger
	profiles map[string]*Profile
}

// NewCache builds a cache over store. A nil logger is replaced by a
// no-op logger.
func NewCache(store storage.Store, l *zap.Logger) *Cache {
	if l == nil {
		l = zap.NewNop()
	}
	return &Cache{
		store:    store,
		l:        l,
		profiles: make(map[string]*Profile),
	}
}

// Get returns the profile for id, consulting the store on a cache
// miss and falling back to the conservative default when the provider
// has never been seen.
func (c *Cache) Get(ctx context.Context, id string) (*Profile, error) {
	if p, ok := c.profiles[id]; ok {
		return p, nil
	}
	blob, err := storage.ReadAll(ctx, c.store, Key(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p := New(id)
			c.profiles[id] = p
			return p, nil
		}
		return nil, fmt.Errorf("load profile %s: %w", id, err)
	}
	p := &Profile{}
	if err := yaml.Unmarshal(blob, p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", id, err)
	}
	if p.ID == "" {
		p.ID = id
	}
	c.profiles[id] = p
	return p, nil
}

// Put persists the profile and refreshes the in-memory copy.
func (c *Cache) Put(ctx context.Context, p *Profile) error {
	blob, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", p.ID, err)
	}
	if err := storage.WriteAll(ctx, c.store, Key(p.ID), blob); err != nil {
		return fmt.Errorf("persist profile %s: %w", p.ID, err)
	}
	c.profiles[p.ID] = p
	c.l.Debug("profile persisted",
		zap.String("provider", p.ID),
		zap.Uint32("preferredChunk", p.PreferredChunk))
	return nil
}

// Update applies fn to the profile for id and persists the result.
func (c *Cache) Update(ctx context.Context, id string, fn func(*Profile)) (*Profile, error) {
	p, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(p)
	if err := c.Put(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// IDs lists every provider with a persisted profile.
func (c *Cache) IDs(ctx context.Context) ([]string, error) {
	keys, err := c.store.KeysPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(keyPrefix):])
	}
	return ids, nil
}
