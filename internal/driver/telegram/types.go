package telegram

import "time"

// DriverType is the driver name registered with the kernel.
const DriverType = "telegram"

// UpdateType identifies the Telegram update semantic category.
type UpdateType string

const (
	// UpdateTypeCallback identifies inline keyboard callback queries.
	UpdateTypeCallback UpdateType = "callback"
	// UpdateTypePrivateMessage identifies incoming private text messages.
	UpdateTypePrivateMessage UpdateType = "private_message"
	// UpdateTypeChannelPost identifies new messages posted in a channel.
	UpdateTypeChannelPost UpdateType = "channel_post"
	// UpdateTypeParticipant identifies channel participant transitions.
	UpdateTypeParticipant UpdateType = "participant"
)

// Update is the Telegram adapter's internal DTO before neutral decoding.
//
// Chat and user ids use the Bot API form.
type Update struct {
	ID          string
	Type        UpdateType
	OccurredAt  time.Time
	ChatID      int64
	User        UserRef
	Callback    *CallbackPayload
	Message     *MessagePayload
	Participant *ParticipantPayload
	Metadata    map[string]string
}

// UserRef identifies the Telegram user behind an update.
type UserRef struct {
	ID        int64
	Username  string
	FirstName string
	IsBot     bool
}

// CallbackPayload captures an inline button press.
type CallbackPayload struct {
	QueryID   int64
	MessageID int
	Data      []byte
}

// MessagePayload represents a Telegram message projection.
type MessagePayload struct {
	ID   int
	Text string
}

// ParticipantPayload captures one membership transition in a channel.
type ParticipantPayload struct {
	UserID    int64
	WasMember bool
	IsMember  bool
}
