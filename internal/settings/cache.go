// Package settings keeps the in-memory view of persisted bot settings.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"forcesub-bot/pkg/forcesub"
)

const moduleName = "settings"

// Cache is a write-through config cache over a ConfigStore.
//
// Reads never touch storage. Writes persist first and only then update memory,
// so a failed write leaves the previous value visible.
type Cache struct {
	store  forcesub.ConfigStore
	logger *slog.Logger

	mu     sync.RWMutex
	values map[string]string
}

// Option mutates Cache construction.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cache *Cache) {
		if logger != nil {
			cache.logger = logger
		}
	}
}

// New creates an empty cache backed by store.
func New(store forcesub.ConfigStore, options ...Option) *Cache {
	cache := &Cache{
		store:  store,
		logger: slog.Default(),
		values: make(map[string]string),
	}
	for _, option := range options {
		option(cache)
	}

	return cache
}

// Load replaces the cache with the stored entries and seeds missing defaults.
func (c *Cache) Load(ctx context.Context) error {
	if c.store == nil {
		return fmt.Errorf("load settings: nil config store")
	}

	entries, err := c.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	loaded := make(map[string]string, len(entries))
	for _, entry := range entries {
		loaded[entry.Key] = entry.Value
	}

	c.mu.Lock()
	c.values = loaded
	c.mu.Unlock()

	for _, entry := range forcesub.DefaultConfigEntries() {
		if _, ok := c.Get(entry.Key); ok {
			continue
		}
		if err := c.Set(ctx, entry.Key, entry.Value); err != nil {
			return fmt.Errorf("seed setting %s: %w", entry.Key, err)
		}
		c.logger.InfoContext(ctx, "seeded default setting", "key", entry.Key, "value", entry.Value)
	}

	return nil
}

// Get returns the cached value for key.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.values[key]
	return value, ok
}

// Bool parses the cached value for key. Missing or unparsable values are false.
func (c *Cache) Bool(key string) bool {
	value, ok := c.Get(key)
	if !ok {
		return false
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false
	}

	return parsed
}

// IsContentRestricted reports whether delivered copies are protected.
func (c *Cache) IsContentRestricted() bool {
	return c.Bool(forcesub.ConfigContentRestricted)
}

// IsForceSubEnabled reports whether deep links are gated.
func (c *Cache) IsForceSubEnabled() bool {
	return c.Bool(forcesub.ConfigForceSubEnabled)
}

// Keys returns cached keys in lexical order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.values))
	for key := range c.values {
		keys = append(keys, key)
	}
	c.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Set persists key=value and then caches it.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("set setting: empty key")
	}
	if err := c.store.Save(ctx, forcesub.ConfigEntry{Key: key, Value: value}); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}

	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()

	return nil
}

// Delete removes key from storage and then from the cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("delete setting: empty key")
	}
	if err := c.store.Delete(ctx, key); err != nil && !errors.Is(err, forcesub.ErrNotFound) {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}

	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()

	return nil
}

// HandleEvent applies config.changed and config.deleted events.
//
// Events that match the cached state are skipped, which makes locally
// originated events that were already applied through Set free.
func (c *Cache) HandleEvent(ctx context.Context, event *forcesub.Event) error {
	if event == nil || event.Config == nil {
		return nil
	}

	change := event.Config
	switch event.Kind {
	case forcesub.EventKindConfigChanged:
		if current, ok := c.Get(change.Key); ok && current == change.Value {
			return nil
		}
		if err := c.Set(ctx, change.Key, change.Value); err != nil {
			return fmt.Errorf("apply config change: %w", err)
		}
	case forcesub.EventKindConfigDeleted:
		if _, ok := c.Get(change.Key); !ok {
			return nil
		}
		if err := c.Delete(ctx, change.Key); err != nil {
			return fmt.Errorf("apply config deletion: %w", err)
		}
	default:
		return nil
	}
	c.logger.DebugContext(ctx, "setting applied from event",
		"kind", event.Kind,
		"key", change.Key,
		"origin", event.Origin,
	)

	return nil
}

// Name returns the module name.
func (c *Cache) Name() string {
	return moduleName
}

// Spec subscribes the cache to config events.
func (c *Cache) Spec() forcesub.ModuleSpec {
	return forcesub.ModuleSpec{
		Handlers: []forcesub.ModuleHandler{
			{
				Capability: forcesub.Capability{
					Name:        "settings-sync",
					Description: "applies config changes and deletions to the settings cache",
					Interest: forcesub.InterestSet{
						Kinds: []forcesub.EventKind{
							forcesub.EventKindConfigChanged,
							forcesub.EventKindConfigDeleted,
						},
					},
				},
				Subscription: forcesub.SubscriptionSpec{
					Name:    "settings-sync",
					Workers: 1,
				},
				Handler: c.HandleEvent,
			},
		},
	}
}

// OnStart loads settings before drivers begin delivering events.
func (c *Cache) OnStart(ctx context.Context) error {
	return c.Load(ctx)
}

// OnShutdown is a no-op.
func (c *Cache) OnShutdown(context.Context) error {
	return nil
}
