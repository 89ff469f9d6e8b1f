// Package trigger maps callback payloads and state tokens to handlers.
//
// A Registry is built once through a Builder and is read-only afterwards, so
// Resolve needs no locking.
package trigger

import (
	"fmt"
	"strings"

	"forcesub-bot/pkg/forcesub"
)

type prefixEntry[H any] struct {
	prefix  string
	handler H
}

// Builder collects registrations before the registry is frozen.
type Builder[H any] struct {
	exact    map[string]H
	prefixes []prefixEntry[H]
	seen     map[string]struct{}
}

// NewBuilder creates an empty builder.
func NewBuilder[H any]() *Builder[H] {
	return &Builder[H]{
		exact: make(map[string]H),
		seen:  make(map[string]struct{}),
	}
}

// Register adds one trigger. Exact triggers must be unique; prefix triggers
// may overlap and are consulted in registration order.
func (b *Builder[H]) Register(trigger string, match forcesub.MatchKind, handler H) error {
	if trigger == "" {
		return fmt.Errorf("register trigger: %w: empty trigger", forcesub.ErrInvalidTrigger)
	}

	switch match {
	case forcesub.MatchExact:
		if _, exists := b.exact[trigger]; exists {
			return fmt.Errorf("register exact trigger %q: %w", trigger, forcesub.ErrDuplicateTrigger)
		}
		b.exact[trigger] = handler
	case forcesub.MatchPrefix:
		if _, exists := b.seen[trigger]; exists {
			return fmt.Errorf("register prefix trigger %q: %w", trigger, forcesub.ErrDuplicateTrigger)
		}
		b.seen[trigger] = struct{}{}
		b.prefixes = append(b.prefixes, prefixEntry[H]{prefix: trigger, handler: handler})
	default:
		return fmt.Errorf("register trigger %q: %w: match kind %q", trigger, forcesub.ErrInvalidTrigger, match)
	}

	return nil
}

// Build freezes the registrations into an immutable Registry.
func (b *Builder[H]) Build() *Registry[H] {
	exact := make(map[string]H, len(b.exact))
	for trigger, handler := range b.exact {
		exact[trigger] = handler
	}

	return &Registry[H]{
		exact:    exact,
		prefixes: append([]prefixEntry[H](nil), b.prefixes...),
	}
}

// Registry resolves payloads to handlers.
type Registry[H any] struct {
	exact    map[string]H
	prefixes []prefixEntry[H]
}

// Resolve returns the exact handler for payload if one exists, otherwise the
// first registered prefix handler whose trigger prefixes payload.
func (r *Registry[H]) Resolve(payload string) (H, bool) {
	var zero H
	if r == nil || payload == "" {
		return zero, false
	}

	if handler, ok := r.exact[payload]; ok {
		return handler, true
	}
	for _, entry := range r.prefixes {
		if strings.HasPrefix(payload, entry.prefix) {
			return entry.handler, true
		}
	}

	return zero, false
}

// Len returns the number of registered triggers.
func (r *Registry[H]) Len() int {
	if r == nil {
		return 0
	}

	return len(r.exact) + len(r.prefixes)
}
