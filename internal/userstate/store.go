// Package userstate keeps the pending multi-step flow token of each user.
package userstate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"forcesub-bot/pkg/forcesub"
)

const (
	moduleName = "user_state"

	// DefaultTTL bounds how long an abandoned flow token stays pending.
	DefaultTTL           = time.Hour
	defaultPruneInterval = 5 * time.Minute
)

type stateEntry struct {
	token     string
	expiresAt time.Time
}

// Store is a concurrent userID -> token map with last-writer-wins semantics.
//
// With a positive TTL, tokens idle longer than the TTL read as absent and are
// removed by the pruner.
type Store struct {
	entries       sync.Map
	ttl           time.Duration
	pruneInterval time.Duration
	clock         func() time.Time
	logger        *slog.Logger

	stopMu sync.Mutex
	stop   context.CancelFunc
	done   chan struct{}
}

// Option mutates Store construction.
type Option func(*Store)

// WithTTL sets the idle TTL. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(store *Store) {
		if ttl >= 0 {
			store.ttl = ttl
		}
	}
}

// WithPruneInterval sets how often expired tokens are removed.
func WithPruneInterval(interval time.Duration) Option {
	return func(store *Store) {
		if interval > 0 {
			store.pruneInterval = interval
		}
	}
}

// WithLogger sets the logger used for rejected writes.
func WithLogger(logger *slog.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

func withClock(clock func() time.Time) Option {
	return func(store *Store) {
		if clock != nil {
			store.clock = clock
		}
	}
}

// New creates an empty store.
func New(options ...Option) *Store {
	store := &Store{
		ttl:           DefaultTTL,
		pruneInterval: defaultPruneInterval,
		clock:         time.Now,
		logger:        slog.Default(),
	}
	for _, option := range options {
		option(store)
	}

	return store
}

// SetState stores token for userID, replacing any previous token.
// Zero user ids and blank tokens are rejected with a warning.
func (s *Store) SetState(userID int64, token string) {
	if userID == 0 || strings.TrimSpace(token) == "" {
		s.logger.Warn("user state rejected", "user_id", userID, "token", token)
		return
	}

	s.entries.Store(userID, stateEntry{token: token, expiresAt: s.expiryFrom(s.clock())})
}

// GetState returns the pending token for userID.
func (s *Store) GetState(userID int64) (string, bool) {
	raw, ok := s.entries.Load(userID)
	if !ok {
		return "", false
	}
	entry := raw.(stateEntry)
	if s.isExpired(entry, s.clock()) {
		s.entries.CompareAndDelete(userID, raw)
		return "", false
	}

	return entry.token, true
}

// ClearState removes the token for userID. It is idempotent.
func (s *Store) ClearState(userID int64) {
	s.entries.Delete(userID)
}

// Prune removes expired tokens and returns how many were removed.
func (s *Store) Prune() int {
	if s.ttl <= 0 {
		return 0
	}

	now := s.clock()
	removed := 0
	s.entries.Range(func(key, value any) bool {
		if s.isExpired(value.(stateEntry), now) && s.entries.CompareAndDelete(key, value) {
			removed++
		}
		return true
	})

	return removed
}

func (s *Store) expiryFrom(now time.Time) time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}

	return now.Add(s.ttl)
}

func (s *Store) isExpired(entry stateEntry, now time.Time) bool {
	if entry.expiresAt.IsZero() {
		return false
	}

	return !now.Before(entry.expiresAt)
}

// Name returns the module name.
func (s *Store) Name() string {
	return moduleName
}

// Spec declares no handlers; the store is consumed through the service registry.
func (s *Store) Spec() forcesub.ModuleSpec {
	return forcesub.ModuleSpec{}
}

// OnStart launches the pruner when a TTL is configured.
func (s *Store) OnStart(_ context.Context) error {
	if s.ttl <= 0 {
		return nil
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stop != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.done = make(chan struct{})
	go s.runPruner(ctx, s.done)

	return nil
}

// OnShutdown stops the pruner.
func (s *Store) OnShutdown(ctx context.Context) error {
	s.stopMu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.stopMu.Unlock()

	if stop == nil {
		return nil
	}
	stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) runPruner(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Prune(); removed > 0 {
				s.logger.Debug("pruned idle user states", "removed", removed)
			}
		}
	}
}
