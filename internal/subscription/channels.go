package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"forcesub-bot/pkg/forcesub"
)

// ActiveChannels is the set of channels that currently participate in gating.
type ActiveChannels struct {
	mu  sync.RWMutex
	ids map[int64]struct{}

	metrics *Metrics
}

// NewActiveChannels creates a set seeded with ids.
func NewActiveChannels(ids ...int64) *ActiveChannels {
	set := &ActiveChannels{ids: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		if id != 0 {
			set.ids[id] = struct{}{}
		}
	}

	return set
}

// Load replaces the set with the active channels from store.
func (a *ActiveChannels) Load(ctx context.Context, store forcesub.ChannelStore) error {
	if store == nil {
		return fmt.Errorf("load active channels: nil channel store")
	}
	channels, err := store.ListChannels(ctx, true)
	if err != nil {
		return fmt.Errorf("load active channels: %w", err)
	}

	ids := make(map[int64]struct{}, len(channels))
	for _, channel := range channels {
		if channel.Active && channel.ID != 0 {
			ids[channel.ID] = struct{}{}
		}
	}

	a.mu.Lock()
	a.ids = ids
	a.mu.Unlock()
	a.metrics.setActiveChannels(len(ids))

	return nil
}

// Apply adds or removes a channel according to change.Active.
func (a *ActiveChannels) Apply(change forcesub.ChannelChange) {
	if change.ChannelID == 0 {
		return
	}

	a.mu.Lock()
	if change.Active {
		a.ids[change.ChannelID] = struct{}{}
	} else {
		delete(a.ids, change.ChannelID)
	}
	count := len(a.ids)
	a.mu.Unlock()
	a.metrics.setActiveChannels(count)
}

// Contains reports whether id is active.
func (a *ActiveChannels) Contains(id int64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, ok := a.ids[id]
	return ok
}

// IDs returns a sorted snapshot of the active channel ids.
func (a *ActiveChannels) IDs() []int64 {
	a.mu.RLock()
	ids := make([]int64, 0, len(a.ids))
	for id := range a.ids {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Filter returns the subset of ids that are active, preserving order.
func (a *ActiveChannels) Filter(ids []int64) []int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	filtered := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := a.ids[id]; ok {
			filtered = append(filtered, id)
		}
	}

	return filtered
}
