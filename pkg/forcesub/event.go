package forcesub

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventKind identifies the payload carried by an Event.
type EventKind string

const (
	// EventKindCallbackQuery is an inline keyboard button press.
	EventKindCallbackQuery EventKind = "callback.query"
	// EventKindPrivateMessage is a text message sent to the bot in a private chat.
	EventKindPrivateMessage EventKind = "message.private"
	// EventKindPostStored is a message posted into the storage channel.
	EventKindPostStored EventKind = "post.stored"
	// EventKindMembershipChanged reports an authoritative membership verdict.
	EventKindMembershipChanged EventKind = "membership.changed"
	// EventKindConfigChanged requests a config key update.
	EventKindConfigChanged EventKind = "config.changed"
	// EventKindConfigDeleted requests a config key removal.
	EventKindConfigDeleted EventKind = "config.deleted"
	// EventKindChannelChanged reports a gating channel lifecycle change.
	EventKindChannelChanged EventKind = "channel.changed"
	// EventKindAdminChanged reports an admin grant or revocation.
	EventKindAdminChanged EventKind = "admin.changed"
)

// DomainEventKinds lists kinds that describe state changes rather than user interactions.
var DomainEventKinds = []EventKind{
	EventKindMembershipChanged,
	EventKindConfigChanged,
	EventKindConfigDeleted,
	EventKindChannelChanged,
	EventKindAdminChanged,
}

// Event is the envelope carried by the bus.
//
// Exactly one payload pointer is set and it must agree with Kind.
type Event struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	// Origin identifies the process that produced the event; relayed events keep it.
	Origin string `json:"origin,omitempty"`

	Interaction *Interaction      `json:"interaction,omitempty"`
	Post        *Post             `json:"post,omitempty"`
	Membership  *MembershipChange `json:"membership,omitempty"`
	Config      *ConfigChange     `json:"config,omitempty"`
	Channel     *ChannelChange    `json:"channel,omitempty"`
	Admin       *AdminChange      `json:"admin,omitempty"`
}

// Interaction carries a user-originated callback query or private message.
type Interaction struct {
	// QueryID is set for callback queries and must be answered exactly once.
	QueryID   int64  `json:"query_id,omitempty"`
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id"`
	MessageID int    `json:"message_id,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Text      string `json:"text,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

// Post is one message stored in the storage channel.
type Post struct {
	ChannelID int64  `json:"channel_id"`
	MessageID int    `json:"message_id"`
	Text      string `json:"text,omitempty"`
}

// MembershipChange is an authoritative verdict for one (user, channel) pair.
type MembershipChange struct {
	UserID    int64 `json:"user_id"`
	ChannelID int64 `json:"channel_id"`
	Joined    bool  `json:"joined"`
}

// ConfigChange carries a key/value update or deletion.
type ConfigChange struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// ChannelChange reports a gating channel being activated, updated or removed.
type ChannelChange struct {
	ChannelID   int64  `json:"channel_id"`
	InviteLink  string `json:"invite_link,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Active      bool   `json:"active"`
}

// AdminChange grants or revokes admin rights for one user.
type AdminChange struct {
	UserID  int64 `json:"user_id"`
	Revoked bool  `json:"revoked"`
}

// NewEvent creates an envelope with a fresh ULID and the given occurrence time.
func NewEvent(kind EventKind, occurredAt time.Time) *Event {
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	return &Event{
		ID:         ulid.Make().String(),
		Kind:       kind,
		OccurredAt: occurredAt.UTC(),
	}
}

// Validate checks envelope invariants.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}

	switch e.Kind {
	case EventKindCallbackQuery:
		if e.Interaction == nil || e.Interaction.QueryID == 0 {
			return fmt.Errorf("%w: %s requires interaction with query id", ErrInvalidEvent, e.Kind)
		}
	case EventKindPrivateMessage:
		if e.Interaction == nil || e.Interaction.UserID == 0 {
			return fmt.Errorf("%w: %s requires interaction with user id", ErrInvalidEvent, e.Kind)
		}
	case EventKindPostStored:
		if e.Post == nil || e.Post.MessageID <= 0 {
			return fmt.Errorf("%w: %s requires post", ErrInvalidEvent, e.Kind)
		}
	case EventKindMembershipChanged:
		if e.Membership == nil || e.Membership.UserID == 0 || e.Membership.ChannelID == 0 {
			return fmt.Errorf("%w: %s requires membership", ErrInvalidEvent, e.Kind)
		}
	case EventKindConfigChanged, EventKindConfigDeleted:
		if e.Config == nil || e.Config.Key == "" {
			return fmt.Errorf("%w: %s requires config key", ErrInvalidEvent, e.Kind)
		}
	case EventKindChannelChanged:
		if e.Channel == nil || e.Channel.ChannelID == 0 {
			return fmt.Errorf("%w: %s requires channel", ErrInvalidEvent, e.Kind)
		}
	case EventKindAdminChanged:
		if e.Admin == nil || e.Admin.UserID == 0 {
			return fmt.Errorf("%w: %s requires admin", ErrInvalidEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrInvalidEvent, e.Kind)
	}

	return nil
}

// IsDomain reports whether the event describes a state change rather than an interaction.
func (e *Event) IsDomain() bool {
	if e == nil {
		return false
	}
	for _, kind := range DomainEventKinds {
		if e.Kind == kind {
			return true
		}
	}

	return false
}
