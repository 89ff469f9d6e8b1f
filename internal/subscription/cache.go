// Package subscription implements the membership cache used for gating.
//
// Facts are kept per (user, channel) pair as a positive verdict with an
// expiry. A missing or expired fact means "unknown" and is resolved through
// one batched call to the membership authority.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forcesub-bot/pkg/forcesub"
)

const (
	moduleName = "membership"

	// DefaultTTL is how long a positive membership verdict stays trusted.
	DefaultTTL = 5 * time.Minute
	// DefaultCheckTimeout bounds one batched authority call.
	DefaultCheckTimeout = 10 * time.Second
	// DefaultSweepInterval is the period of expired fact removal.
	DefaultSweepInterval = time.Minute
	// DefaultSweepGrace bounds how long Stop waits for the sweeper.
	DefaultSweepGrace = 5 * time.Second
)

// bucket holds the facts of one user.
//
// A retired bucket has been unlinked from the outer map and must not receive
// new facts; writers that observe it retry with a fresh bucket.
type bucket struct {
	mu      sync.Mutex
	facts   map[int64]time.Time
	retired bool
}

// Cache is the membership cache.
type Cache struct {
	authority forcesub.MembershipAuthority
	channels  *ActiveChannels
	store     forcesub.ChannelStore

	buckets sync.Map // int64 -> *bucket

	ttl           time.Duration
	checkTimeout  time.Duration
	sweepInterval time.Duration
	sweepGrace    time.Duration
	clock         func() time.Time
	logger        *slog.Logger
	metrics       *Metrics

	sinkMu sync.RWMutex
	sink   forcesub.EventSink

	sweeperMu sync.Mutex
	sweeper   *sweeper
}

// Option mutates Cache construction.
type Option func(*Cache)

// WithTTL sets the positive verdict lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(cache *Cache) {
		if ttl > 0 {
			cache.ttl = ttl
		}
	}
}

// WithCheckTimeout bounds each batched authority call.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(cache *Cache) {
		if timeout > 0 {
			cache.checkTimeout = timeout
		}
	}
}

// WithSweepInterval sets the sweep period.
func WithSweepInterval(interval time.Duration) Option {
	return func(cache *Cache) {
		if interval > 0 {
			cache.sweepInterval = interval
		}
	}
}

// WithSweepGrace sets how long shutdown waits for the sweeper.
func WithSweepGrace(grace time.Duration) Option {
	return func(cache *Cache) {
		if grace > 0 {
			cache.sweepGrace = grace
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cache *Cache) {
		if logger != nil {
			cache.logger = logger
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *Metrics) Option {
	return func(cache *Cache) {
		cache.metrics = metrics
	}
}

// WithChannelStore loads the active channel set from store on start.
func WithChannelStore(store forcesub.ChannelStore) Option {
	return func(cache *Cache) {
		cache.store = store
	}
}

// WithEventSink sets where membership verdicts are published.
// Registration through the kernel sets it from the module runtime.
func WithEventSink(sink forcesub.EventSink) Option {
	return func(cache *Cache) {
		cache.sink = sink
	}
}

func withClock(clock func() time.Time) Option {
	return func(cache *Cache) {
		if clock != nil {
			cache.clock = clock
		}
	}
}

// New creates a membership cache over authority, gating on channels.
func New(authority forcesub.MembershipAuthority, channels *ActiveChannels, options ...Option) *Cache {
	if channels == nil {
		channels = NewActiveChannels()
	}
	cache := &Cache{
		authority:     authority,
		channels:      channels,
		ttl:           DefaultTTL,
		checkTimeout:  DefaultCheckTimeout,
		sweepInterval: DefaultSweepInterval,
		sweepGrace:    DefaultSweepGrace,
		clock:         time.Now,
		logger:        slog.Default(),
	}
	for _, option := range options {
		option(cache)
	}
	channels.metrics = cache.metrics

	return cache
}

// Channels returns the active channel set consulted by GateUser.
func (c *Cache) Channels() *ActiveChannels {
	return c.channels
}

// ActiveChannels returns the ids of channels currently used for gating.
func (c *Cache) ActiveChannels() []int64 {
	return c.channels.IDs()
}

// GateUser reports whether userID is a member of every active channel.
func (c *Cache) GateUser(ctx context.Context, userID int64) (bool, error) {
	return c.IsSubscribedToAll(ctx, userID, c.channels.IDs())
}

// IsSubscribedToAll reports whether userID is a member of every channel.
//
// Non-expired positive facts are trusted. The remaining channels are checked
// in one authority call; every reported verdict is applied before returning
// and published as a membership.changed event. Channels the authority omits
// count as not joined. When the authority fails nothing is written.
func (c *Cache) IsSubscribedToAll(ctx context.Context, userID int64, channelIDs []int64) (bool, error) {
	if userID == 0 {
		return false, fmt.Errorf("check subscription: empty user id")
	}
	channelIDs = uniqueChannels(channelIDs)
	if len(channelIDs) == 0 {
		return true, nil
	}

	needsCheck := c.partition(userID, channelIDs, c.clock())
	if len(needsCheck) == 0 {
		c.metrics.observeLookup(true)
		return true, nil
	}
	c.metrics.observeLookup(false)

	if c.authority == nil {
		return false, fmt.Errorf("check subscription of user %d: %w: no authority configured",
			userID, forcesub.ErrAuthorityUnavailable)
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	started := time.Now()
	verdicts, err := c.authority.CheckBatch(checkCtx, userID, needsCheck)
	c.metrics.observeCheck(time.Since(started).Seconds(), err)
	if err != nil {
		return false, fmt.Errorf("check subscription of user %d: %w: %w", userID, forcesub.ErrAuthorityUnavailable, err)
	}

	now := c.clock()
	subscribed := true
	for _, channelID := range needsCheck {
		joined, reported := verdicts[channelID]
		if !joined {
			subscribed = false
		}
		if !reported {
			continue
		}
		c.apply(userID, channelID, joined, now)
		c.publish(ctx, userID, channelID, joined, now)
	}

	return subscribed, nil
}

// Apply records an authoritative verdict: joined stores a fresh fact and
// not joined removes any fact for the pair.
func (c *Cache) Apply(userID, channelID int64, joined bool) {
	if userID == 0 || channelID == 0 {
		return
	}
	c.apply(userID, channelID, joined, c.clock())
}

// Sweep removes expired facts and empty buckets and returns the removed fact count.
func (c *Cache) Sweep() int {
	now := c.clock()
	removed := 0
	users := 0

	c.buckets.Range(func(key, value any) bool {
		userBucket := value.(*bucket)

		userBucket.mu.Lock()
		for channelID, expiresAt := range userBucket.facts {
			if isExpired(expiresAt, now) {
				delete(userBucket.facts, channelID)
				removed++
			}
		}
		if !c.retireIfEmptyLocked(key.(int64), userBucket) {
			users++
		}
		userBucket.mu.Unlock()

		return true
	})
	c.metrics.observeSweep(removed, users)

	return removed
}

func (c *Cache) partition(userID int64, channelIDs []int64, now time.Time) []int64 {
	raw, ok := c.buckets.Load(userID)
	if !ok {
		return append([]int64(nil), channelIDs...)
	}
	userBucket := raw.(*bucket)

	userBucket.mu.Lock()
	defer userBucket.mu.Unlock()

	needsCheck := make([]int64, 0, len(channelIDs))
	for _, channelID := range channelIDs {
		expiresAt, cached := userBucket.facts[channelID]
		if cached && !isExpired(expiresAt, now) {
			continue
		}
		if cached {
			delete(userBucket.facts, channelID)
		}
		needsCheck = append(needsCheck, channelID)
	}
	c.retireIfEmptyLocked(userID, userBucket)

	return needsCheck
}

func (c *Cache) apply(userID, channelID int64, joined bool, now time.Time) {
	if joined {
		c.storeFact(userID, channelID, now.Add(c.ttl))
		return
	}
	c.removeFact(userID, channelID)
}

func (c *Cache) storeFact(userID, channelID int64, expiresAt time.Time) {
	for {
		raw, ok := c.buckets.Load(userID)
		if !ok {
			raw, _ = c.buckets.LoadOrStore(userID, &bucket{facts: make(map[int64]time.Time)})
		}
		userBucket := raw.(*bucket)

		userBucket.mu.Lock()
		if userBucket.retired {
			userBucket.mu.Unlock()
			continue
		}
		userBucket.facts[channelID] = expiresAt
		userBucket.mu.Unlock()

		return
	}
}

func (c *Cache) removeFact(userID, channelID int64) {
	raw, ok := c.buckets.Load(userID)
	if !ok {
		return
	}
	userBucket := raw.(*bucket)

	userBucket.mu.Lock()
	delete(userBucket.facts, channelID)
	c.retireIfEmptyLocked(userID, userBucket)
	userBucket.mu.Unlock()
}

// retireIfEmptyLocked unlinks an empty bucket and reports whether it did.
// The caller must hold userBucket.mu.
func (c *Cache) retireIfEmptyLocked(userID int64, userBucket *bucket) bool {
	if userBucket.retired {
		return true
	}
	if len(userBucket.facts) > 0 {
		return false
	}
	userBucket.retired = true
	c.buckets.CompareAndDelete(userID, userBucket)

	return true
}

func (c *Cache) publish(ctx context.Context, userID, channelID int64, joined bool, now time.Time) {
	c.sinkMu.RLock()
	sink := c.sink
	c.sinkMu.RUnlock()
	if sink == nil {
		return
	}

	event := forcesub.NewEvent(forcesub.EventKindMembershipChanged, now)
	event.Membership = &forcesub.MembershipChange{UserID: userID, ChannelID: channelID, Joined: joined}
	if err := sink.Publish(ctx, event); err != nil {
		c.logger.WarnContext(ctx, "publish membership verdict failed",
			"user_id", userID,
			"channel_id", channelID,
			"joined", joined,
			"error", err,
		)
	}
}

func (c *Cache) snapshot(userID int64) map[int64]time.Time {
	raw, ok := c.buckets.Load(userID)
	if !ok {
		return nil
	}
	userBucket := raw.(*bucket)

	userBucket.mu.Lock()
	defer userBucket.mu.Unlock()

	facts := make(map[int64]time.Time, len(userBucket.facts))
	for channelID, expiresAt := range userBucket.facts {
		facts[channelID] = expiresAt
	}

	return facts
}

// HandleEvent applies membership verdicts and channel lifecycle changes.
func (c *Cache) HandleEvent(_ context.Context, event *forcesub.Event) error {
	if event == nil {
		return nil
	}

	switch event.Kind {
	case forcesub.EventKindMembershipChanged:
		if event.Membership == nil {
			return fmt.Errorf("apply membership event %s: %w: missing payload", event.ID, forcesub.ErrInvalidEvent)
		}
		change := event.Membership
		// Joins in channels outside the gating set would only occupy memory.
		if change.Joined && !c.channels.Contains(change.ChannelID) {
			return nil
		}
		c.Apply(change.UserID, change.ChannelID, change.Joined)
	case forcesub.EventKindChannelChanged:
		if event.Channel == nil {
			return fmt.Errorf("apply channel event %s: %w: missing payload", event.ID, forcesub.ErrInvalidEvent)
		}
		c.channels.Apply(*event.Channel)
	}

	return nil
}

// Name returns the module name.
func (c *Cache) Name() string {
	return moduleName
}

// Spec subscribes the cache to membership and channel events.
func (c *Cache) Spec() forcesub.ModuleSpec {
	return forcesub.ModuleSpec{
		Handlers: []forcesub.ModuleHandler{
			{
				Capability: forcesub.Capability{
					Name:        "membership-sync",
					Description: "applies membership verdicts to the cache",
					Interest: forcesub.InterestSet{
						Kinds: []forcesub.EventKind{forcesub.EventKindMembershipChanged},
					},
				},
				Subscription: forcesub.SubscriptionSpec{
					Name:    "membership-sync",
					Workers: 1,
				},
				Handler: c.HandleEvent,
			},
			{
				Capability: forcesub.Capability{
					Name:        "active-channels-sync",
					Description: "tracks gating channel activation",
					Interest: forcesub.InterestSet{
						Kinds: []forcesub.EventKind{forcesub.EventKindChannelChanged},
					},
				},
				Subscription: forcesub.SubscriptionSpec{
					Name:    "active-channels-sync",
					Workers: 1,
				},
				Handler: c.HandleEvent,
			},
		},
	}
}

// OnRegister binds the publisher used for membership verdicts.
func (c *Cache) OnRegister(_ context.Context, runtime forcesub.ModuleRuntime) error {
	c.sinkMu.Lock()
	c.sink = runtime
	c.sinkMu.Unlock()

	return nil
}

// OnStart loads active channels and starts the sweeper.
func (c *Cache) OnStart(ctx context.Context) error {
	if c.store != nil {
		if err := c.channels.Load(ctx, c.store); err != nil {
			return fmt.Errorf("start membership cache: %w", err)
		}
		c.logger.InfoContext(ctx, "active channels loaded", "count", len(c.channels.IDs()))
	}
	c.Start()

	return nil
}

// OnShutdown stops the sweeper.
func (c *Cache) OnShutdown(ctx context.Context) error {
	return c.Stop(ctx)
}

// Start launches the background sweeper. It is a no-op when already running.
func (c *Cache) Start() {
	c.sweeperMu.Lock()
	defer c.sweeperMu.Unlock()
	if c.sweeper != nil {
		return
	}

	c.sweeper = startSweeper(c.sweepInterval, c.sweepGrace, c.sweepOnce, func(err error) {
		c.metrics.observeSweepError()
		c.logger.Error("membership sweep failed", "error", err)
	})
}

// Stop signals the sweeper and waits up to the grace period.
func (c *Cache) Stop(ctx context.Context) error {
	c.sweeperMu.Lock()
	running := c.sweeper
	c.sweeper = nil
	c.sweeperMu.Unlock()

	if running == nil {
		return nil
	}
	if err := running.Stop(ctx); err != nil {
		c.logger.WarnContext(ctx, "membership sweeper abandoned", "error", err)
		return err
	}

	return nil
}

func (c *Cache) sweepOnce() error {
	removed := c.Sweep()
	if removed > 0 {
		c.logger.Debug("membership facts swept", "removed", removed)
	}

	return nil
}

func isExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

func uniqueChannels(channelIDs []int64) []int64 {
	if len(channelIDs) < 2 {
		return channelIDs
	}

	seen := make(map[int64]struct{}, len(channelIDs))
	unique := make([]int64, 0, len(channelIDs))
	for _, channelID := range channelIDs {
		if _, dup := seen[channelID]; dup {
			continue
		}
		seen[channelID] = struct{}{}
		unique = append(unique, channelID)
	}

	return unique
}

var _ forcesub.MembershipGate = (*Cache)(nil)
