package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"
)

// DefaultGotdUpdateMapper maps gotd updates into adapter DTO updates.
type DefaultGotdUpdateMapper struct {
	peerCache *PeerCache
}

// GotdUpdateMapperOption mutates DefaultGotdUpdateMapper behavior.
type GotdUpdateMapperOption func(*DefaultGotdUpdateMapper)

// WithPeerCache records entity-derived peer mappings for outbound dispatch.
func WithPeerCache(cache *PeerCache) GotdUpdateMapperOption {
	return func(mapper *DefaultGotdUpdateMapper) {
		if cache != nil {
			mapper.peerCache = cache
		}
	}
}

// NewDefaultGotdUpdateMapper creates the default gotd mapper.
func NewDefaultGotdUpdateMapper(options ...GotdUpdateMapperOption) DefaultGotdUpdateMapper {
	mapper := DefaultGotdUpdateMapper{}
	for _, option := range options {
		option(&mapper)
	}

	return mapper
}

// Map converts a gotd raw update value into an adapter update.
//
// Updates a gating bot does not act on are reported as not accepted.
func (m DefaultGotdUpdateMapper) Map(ctx context.Context, raw any) (Update, bool, error) {
	if err := ctx.Err(); err != nil {
		return Update{}, false, fmt.Errorf("map gotd update context: %w", err)
	}

	envelope, err := normalizeGotdRaw(raw)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd raw update: %w", err)
	}
	if m.peerCache != nil {
		m.peerCache.RememberEnvelope(envelope)
	}

	switch update := envelope.update.(type) {
	case *tg.UpdateNewMessage:
		return m.mapPrivateMessage(update.Message, envelope)
	case *tg.UpdateNewChannelMessage:
		return m.mapChannelPost(update.Message, envelope)
	case *tg.UpdateBotCallbackQuery:
		return m.mapCallbackQuery(update, envelope)
	case *tg.UpdateChannelParticipant:
		return m.mapChannelParticipant(update, envelope)
	default:
		return Update{}, false, nil
	}
}

func normalizeGotdRaw(raw any) (gotdUpdateEnvelope, error) {
	switch typed := raw.(type) {
	case gotdUpdateEnvelope:
		if typed.update == nil {
			return gotdUpdateEnvelope{}, fmt.Errorf("envelope without update")
		}
		return typed, nil
	case tg.UpdateClass:
		if typed == nil {
			return gotdUpdateEnvelope{}, fmt.Errorf("nil update class")
		}
		return gotdUpdateEnvelope{
			update:      typed,
			occurredAt:  time.Now().UTC(),
			updateClass: typed.TypeName(),
		}, nil
	default:
		return gotdUpdateEnvelope{}, fmt.Errorf("unsupported raw type %T", raw)
	}
}

func (m DefaultGotdUpdateMapper) mapPrivateMessage(
	raw tg.MessageClass,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	message, ok := raw.(*tg.Message)
	if !ok || message.Out {
		return Update{}, false, nil
	}
	peer, ok := message.PeerID.(*tg.PeerUser)
	if !ok {
		return Update{}, false, nil
	}

	user := resolveUser(peer.UserID, envelope)
	occurredAt := messageTime(message.Date, envelope)

	return Update{
		ID:         composeUpdateID(UpdateTypePrivateMessage, user.ID, message.ID),
		Type:       UpdateTypePrivateMessage,
		OccurredAt: occurredAt,
		ChatID:     user.ID,
		User:       user,
		Message: &MessagePayload{
			ID:   message.ID,
			Text: message.Message,
		},
		Metadata: newGotdMetadata(envelope),
	}, true, nil
}

func (m DefaultGotdUpdateMapper) mapChannelPost(
	raw tg.MessageClass,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	message, ok := raw.(*tg.Message)
	// The bot's own replies in the storage channel are not new content.
	if !ok || message.Out {
		return Update{}, false, nil
	}
	peer, ok := message.PeerID.(*tg.PeerChannel)
	if !ok {
		return Update{}, false, nil
	}

	chatID := BotChannelID(peer.ChannelID)

	return Update{
		ID:         composeUpdateID(UpdateTypeChannelPost, chatID, message.ID),
		Type:       UpdateTypeChannelPost,
		OccurredAt: messageTime(message.Date, envelope),
		ChatID:     chatID,
		Message: &MessagePayload{
			ID:   message.ID,
			Text: message.Message,
		},
		Metadata: newGotdMetadata(envelope),
	}, true, nil
}

func (m DefaultGotdUpdateMapper) mapCallbackQuery(
	update *tg.UpdateBotCallbackQuery,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	if update.QueryID == 0 {
		return Update{}, false, fmt.Errorf("map callback query: missing query id")
	}

	user := resolveUser(update.UserID, envelope)
	data, _ := update.GetData()

	return Update{
		ID:         composeUpdateID(UpdateTypeCallback, peerChatID(update.Peer), update.QueryID),
		Type:       UpdateTypeCallback,
		OccurredAt: envelope.occurredAt,
		ChatID:     peerChatID(update.Peer),
		User:       user,
		Callback: &CallbackPayload{
			QueryID:   update.QueryID,
			MessageID: update.MsgID,
			Data:      append([]byte(nil), data...),
		},
		Metadata: newGotdMetadata(envelope),
	}, true, nil
}

func (m DefaultGotdUpdateMapper) mapChannelParticipant(
	update *tg.UpdateChannelParticipant,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	prev, _ := update.GetPrevParticipant()
	next, _ := update.GetNewParticipant()
	wasMember := isActiveParticipant(prev)
	isMember := isActiveParticipant(next)
	if wasMember == isMember || update.UserID == 0 {
		return Update{}, false, nil
	}

	chatID := BotChannelID(update.ChannelID)
	occurredAt := messageTime(update.Date, envelope)

	return Update{
		ID:         composeUpdateID(UpdateTypeParticipant, chatID, update.UserID, occurredAt.Unix()),
		Type:       UpdateTypeParticipant,
		OccurredAt: occurredAt,
		ChatID:     chatID,
		User:       resolveUser(update.UserID, envelope),
		Participant: &ParticipantPayload{
			UserID:    update.UserID,
			WasMember: wasMember,
			IsMember:  isMember,
		},
		Metadata: newGotdMetadata(envelope),
	}, true, nil
}

// isActiveParticipant reports whether a participant can read the channel.
// Restricted members count; kicked and departed ones do not.
func isActiveParticipant(participant tg.ChannelParticipantClass) bool {
	switch typed := participant.(type) {
	case *tg.ChannelParticipant, *tg.ChannelParticipantSelf,
		*tg.ChannelParticipantAdmin, *tg.ChannelParticipantCreator:
		return true
	case *tg.ChannelParticipantBanned:
		return !typed.Left && !typed.BannedRights.ViewMessages
	default:
		return false
	}
}

func resolveUser(userID int64, envelope gotdUpdateEnvelope) UserRef {
	ref := UserRef{ID: userID}
	user, ok := envelope.usersByID[userID]
	if !ok || user == nil {
		return ref
	}

	ref.Username, _ = user.GetUsername()
	ref.FirstName, _ = user.GetFirstName()
	ref.IsBot = user.Bot

	return ref
}

// peerChatID converts a gotd peer into a Bot API chat id.
func peerChatID(peer tg.PeerClass) int64 {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		return typed.UserID
	case *tg.PeerChat:
		return BotChatID(typed.ChatID)
	case *tg.PeerChannel:
		return BotChannelID(typed.ChannelID)
	default:
		return 0
	}
}

func messageTime(date int, envelope gotdUpdateEnvelope) time.Time {
	if occurredAt := intToTimeUTC(date); !occurredAt.IsZero() {
		return occurredAt
	}
	return envelope.occurredAt
}

func composeUpdateID(updateType UpdateType, chatID int64, parts ...any) string {
	values := []string{"tg", string(updateType), strconv.FormatInt(chatID, 10)}
	for _, part := range parts {
		values = append(values, fmt.Sprint(part))
	}

	return strings.Join(values, ":")
}

func newGotdMetadata(envelope gotdUpdateEnvelope) map[string]string {
	if envelope.updateClass == "" {
		return nil
	}
	return map[string]string{
		"gotd_update": envelope.updateClass,
	}
}
