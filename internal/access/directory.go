// Package access answers whether a user may use admin-only flows.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"forcesub-bot/pkg/forcesub"
)

const moduleName = "access"

// Directory is the admin set: ids seeded from configuration plus ids persisted
// in an AdminStore. Seeded admins cannot be revoked at runtime.
type Directory struct {
	store  forcesub.AdminStore
	seeded map[int64]struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	admins map[int64]struct{}
}

// Option mutates Directory construction.
type Option func(*Directory)

// WithLogger sets the directory logger.
func WithLogger(logger *slog.Logger) Option {
	return func(directory *Directory) {
		if logger != nil {
			directory.logger = logger
		}
	}
}

// WithStore persists runtime grants and revocations. Without a store the
// directory only knows seeded admins and in-memory grants.
func WithStore(store forcesub.AdminStore) Option {
	return func(directory *Directory) {
		directory.store = store
	}
}

// New creates a directory seeded with ids. Zero ids are ignored.
func New(seed []int64, options ...Option) *Directory {
	directory := &Directory{
		seeded: make(map[int64]struct{}, len(seed)),
		logger: slog.Default(),
		admins: make(map[int64]struct{}, len(seed)),
	}
	for _, id := range seed {
		if id == 0 {
			continue
		}
		directory.seeded[id] = struct{}{}
		directory.admins[id] = struct{}{}
	}
	for _, option := range options {
		option(directory)
	}

	return directory
}

// Load merges persisted admins into the seeded set.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}

	ids, err := d.store.ListAdmins(ctx)
	if err != nil {
		return fmt.Errorf("load admins: %w", err)
	}

	d.mu.Lock()
	for _, id := range ids {
		d.admins[id] = struct{}{}
	}
	total := len(d.admins)
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "admins loaded", "persisted", len(ids), "total", total)
	return nil
}

// IsAdmin reports whether userID holds admin rights.
func (d *Directory) IsAdmin(userID int64) bool {
	if userID == 0 {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.admins[userID]
	return ok
}

// List returns admin ids in ascending order.
func (d *Directory) List() []int64 {
	d.mu.RLock()
	ids := make([]int64, 0, len(d.admins))
	for id := range d.admins {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Grant persists userID as admin and then adds it to the set.
func (d *Directory) Grant(ctx context.Context, userID int64) error {
	if userID == 0 {
		return fmt.Errorf("grant admin: zero user id")
	}
	if d.IsAdmin(userID) {
		return nil
	}
	if d.store != nil {
		if err := d.store.SaveAdmin(ctx, userID); err != nil {
			return fmt.Errorf("grant admin %d: %w", userID, err)
		}
	}

	d.mu.Lock()
	d.admins[userID] = struct{}{}
	d.mu.Unlock()

	return nil
}

// Revoke removes a persisted admin. Revoking a seeded admin is refused.
func (d *Directory) Revoke(ctx context.Context, userID int64) error {
	if _, seeded := d.seeded[userID]; seeded {
		return fmt.Errorf("revoke admin %d: configured admins cannot be revoked", userID)
	}
	if !d.IsAdmin(userID) {
		return nil
	}
	if d.store != nil {
		if err := d.store.DeleteAdmin(ctx, userID); err != nil && !errors.Is(err, forcesub.ErrNotFound) {
			return fmt.Errorf("revoke admin %d: %w", userID, err)
		}
	}

	d.mu.Lock()
	delete(d.admins, userID)
	d.mu.Unlock()

	return nil
}

// HandleEvent applies admin.changed events.
func (d *Directory) HandleEvent(ctx context.Context, event *forcesub.Event) error {
	if event == nil || event.Kind != forcesub.EventKindAdminChanged || event.Admin == nil {
		return nil
	}

	change := event.Admin
	var err error
	if change.Revoked {
		err = d.Revoke(ctx, change.UserID)
	} else {
		err = d.Grant(ctx, change.UserID)
	}
	if err != nil {
		return fmt.Errorf("apply admin change: %w", err)
	}
	d.logger.InfoContext(ctx, "admin change applied",
		"user_id", change.UserID,
		"revoked", change.Revoked,
		"origin", event.Origin,
	)

	return nil
}

// Name returns the module name.
func (d *Directory) Name() string {
	return moduleName
}

// Spec subscribes the directory to admin changes.
func (d *Directory) Spec() forcesub.ModuleSpec {
	return forcesub.ModuleSpec{
		Handlers: []forcesub.ModuleHandler{
			{
				Capability: forcesub.Capability{
					Name:        "admin-sync",
					Description: "applies admin grants and revocations",
					Interest: forcesub.InterestSet{
						Kinds: []forcesub.EventKind{forcesub.EventKindAdminChanged},
					},
				},
				Subscription: forcesub.SubscriptionSpec{
					Name:    "admin-sync",
					Workers: 1,
				},
				Handler: d.HandleEvent,
			},
		},
	}
}

// OnStart loads persisted admins.
func (d *Directory) OnStart(ctx context.Context) error {
	return d.Load(ctx)
}

// OnShutdown is a no-op.
func (d *Directory) OnShutdown(context.Context) error {
	return nil
}

var _ forcesub.AdminDirectory = (*Directory)(nil)
