package forcesub

import (
	"context"
	"time"
)

// BackpressurePolicy defines how queues behave when subscriber buffers are full.
type BackpressurePolicy string

const (
	// BackpressureDropNewest drops the incoming event when full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued event before enqueue.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock blocks until queue space is available or context is canceled.
	BackpressureBlock BackpressurePolicy = "block"
)

// EventHandler processes a single event.
type EventHandler func(ctx context.Context, event *Event) error

// EventSink accepts events for dispatch.
type EventSink interface {
	// Publish submits an event to downstream subscribers.
	Publish(ctx context.Context, event *Event) error
}

// SubscriptionSpec configures a single consumer subscription.
type SubscriptionSpec struct {
	Name           string
	Buffer         int
	Workers        int
	HandlerTimeout time.Duration
	Backpressure   BackpressurePolicy
}

// Subscription controls an active event stream registration.
type Subscription interface {
	// Name returns the subscription identifier.
	Name() string
	// Close stops delivery for this subscription.
	Close(ctx context.Context) error
}

// EventBus is the asynchronous pub/sub contract used by the kernel.
type EventBus interface {
	EventSink
	// Subscribe registers a handler with bounded buffering semantics.
	Subscribe(ctx context.Context, interest InterestSet, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
	// Close shuts down the bus and all active subscriptions.
	Close(ctx context.Context) error
}

// InterestSet selects events by kind. An empty set matches every event.
type InterestSet struct {
	Kinds []EventKind
	// ExcludeOrigin skips events whose Origin equals the value.
	ExcludeOrigin string
}

// Matches reports whether an event satisfies the interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if i.ExcludeOrigin != "" && event.Origin == i.ExcludeOrigin {
		return false
	}
	if len(i.Kinds) == 0 {
		return true
	}

	return containsKind(i.Kinds, event.Kind)
}

// Allows reports whether this interest set covers every kind requested by filter.
func (i InterestSet) Allows(filter InterestSet) bool {
	if len(i.Kinds) == 0 {
		return true
	}
	if len(filter.Kinds) == 0 {
		return false
	}
	for _, kind := range filter.Kinds {
		if !containsKind(i.Kinds, kind) {
			return false
		}
	}

	return true
}

func containsKind(kinds []EventKind, target EventKind) bool {
	for _, candidate := range kinds {
		if candidate == target {
			return true
		}
	}

	return false
}
