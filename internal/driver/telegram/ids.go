package telegram

// Bot API channel ids are the MTProto id shifted below this base.
const channelIDBase int64 = -1000000000000

// BotChannelID converts an MTProto channel id into its Bot API form.
func BotChannelID(mtprotoID int64) int64 {
	return channelIDBase - mtprotoID
}

// BotChatID converts an MTProto basic group id into its Bot API form.
func BotChatID(mtprotoID int64) int64 {
	return -mtprotoID
}

// peerKind classifies a Bot API chat id.
type peerKind int

const (
	peerKindInvalid peerKind = iota
	peerKindUser
	peerKindChat
	peerKindChannel
)

// splitChatID converts a Bot API chat id into its kind and MTProto id.
func splitChatID(chatID int64) (peerKind, int64) {
	switch {
	case chatID > 0:
		return peerKindUser, chatID
	case chatID < channelIDBase:
		return peerKindChannel, channelIDBase - chatID
	case chatID < 0:
		return peerKindChat, -chatID
	default:
		return peerKindInvalid, 0
	}
}

// MTProtoChannelID converts a Bot API channel id into its MTProto form.
//
// It returns false when chatID is not a channel id.
func MTProtoChannelID(chatID int64) (int64, bool) {
	kind, id := splitChatID(chatID)
	if kind != peerKindChannel {
		return 0, false
	}

	return id, true
}
