package forcesub

import (
	"context"
	"time"
)

// DefaultChannelPlaceholder is the join button label given to newly added channels.
const DefaultChannelPlaceholder = "Join Now"

// Channel is one gating channel.
//
// ID uses the Bot API form for channels, for example -1001234567890.
type Channel struct {
	ID          int64
	Name        string
	InviteLink  string
	Placeholder string
	Active      bool
}

// Link maps a deep-link code to messages stored in the storage channel.
type Link struct {
	Code       string
	ChannelID  int64
	MessageIDs []int
	Restricted bool
	ViewCount  int64
	CreatedAt  time.Time
}

// ConfigStore persists key/value settings.
type ConfigStore interface {
	LoadAll(ctx context.Context) ([]ConfigEntry, error)
	Save(ctx context.Context, entry ConfigEntry) error
	Delete(ctx context.Context, key string) error
}

// ChannelStore persists gating channels.
type ChannelStore interface {
	ListChannels(ctx context.Context, activeOnly bool) ([]Channel, error)
	GetChannel(ctx context.Context, id int64) (Channel, error)
	SaveChannel(ctx context.Context, channel Channel) error
	DeleteChannel(ctx context.Context, id int64) error
}

// LinkStore persists deep links.
type LinkStore interface {
	CreateLink(ctx context.Context, link Link) error
	// ConsumeLink returns the link and increments its view count.
	ConsumeLink(ctx context.Context, code string) (Link, error)
}

// AdminStore persists admin ids.
type AdminStore interface {
	ListAdmins(ctx context.Context) ([]int64, error)
	SaveAdmin(ctx context.Context, id int64) error
	DeleteAdmin(ctx context.Context, id int64) error
}

// UserStore records users who have started the bot.
type UserStore interface {
	RememberUser(ctx context.Context, id int64) error
	CountUsers(ctx context.Context) (int64, error)
}
