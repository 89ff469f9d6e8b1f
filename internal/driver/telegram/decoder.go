package telegram

import (
	"context"
	"fmt"
	"time"

	"forcesub-bot/pkg/forcesub"
)

// Decoder converts Telegram update DTOs into forcesub events.
type Decoder interface {
	// Decode maps one adapter update into a validated event.
	// A nil event with nil error means the update is not relevant.
	Decode(ctx context.Context, update Update) (*forcesub.Event, error)
}

// DefaultDecoder maps bot updates and keeps only posts from the storage channel.
type DefaultDecoder struct {
	storageChannelID int64
}

// NewDefaultDecoder creates a decoder that accepts posts from storageChannelID.
func NewDefaultDecoder(storageChannelID int64) DefaultDecoder {
	return DefaultDecoder{storageChannelID: storageChannelID}
}

// Decode converts a Telegram update into an event.
func (d DefaultDecoder) Decode(_ context.Context, update Update) (*forcesub.Event, error) {
	var event *forcesub.Event

	switch update.Type {
	case UpdateTypeCallback:
		if update.Callback == nil {
			return nil, fmt.Errorf("missing callback payload")
		}
		event = newEvent(forcesub.EventKindCallbackQuery, update)
		event.Interaction = newInteraction(update)
		event.Interaction.QueryID = update.Callback.QueryID
		event.Interaction.MessageID = update.Callback.MessageID
		event.Interaction.Data = update.Callback.Data
	case UpdateTypePrivateMessage:
		if update.Message == nil {
			return nil, fmt.Errorf("missing message payload")
		}
		if update.User.IsBot {
			return nil, nil
		}
		event = newEvent(forcesub.EventKindPrivateMessage, update)
		event.Interaction = newInteraction(update)
		event.Interaction.MessageID = update.Message.ID
		event.Interaction.Text = update.Message.Text
	case UpdateTypeChannelPost:
		if update.Message == nil {
			return nil, fmt.Errorf("missing message payload")
		}
		if d.storageChannelID == 0 || update.ChatID != d.storageChannelID {
			return nil, nil
		}
		event = newEvent(forcesub.EventKindPostStored, update)
		event.Post = &forcesub.Post{
			ChannelID: update.ChatID,
			MessageID: update.Message.ID,
			Text:      update.Message.Text,
		}
	case UpdateTypeParticipant:
		if update.Participant == nil {
			return nil, fmt.Errorf("missing participant payload")
		}
		event = newEvent(forcesub.EventKindMembershipChanged, update)
		event.Membership = &forcesub.MembershipChange{
			UserID:    update.Participant.UserID,
			ChannelID: update.ChatID,
			Joined:    update.Participant.IsMember,
		}
	default:
		return nil, fmt.Errorf("decode update %s: unsupported type", update.Type)
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode update %s: %w", update.Type, err)
	}

	return event, nil
}

func newEvent(kind forcesub.EventKind, update Update) *forcesub.Event {
	occurredAt := update.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	event := forcesub.NewEvent(kind, occurredAt)
	if update.ID != "" {
		event.ID = update.ID
	}

	return event
}

func newInteraction(update Update) *forcesub.Interaction {
	return &forcesub.Interaction{
		ChatID:    update.ChatID,
		UserID:    update.User.ID,
		Username:  update.User.Username,
		FirstName: update.User.FirstName,
	}
}
