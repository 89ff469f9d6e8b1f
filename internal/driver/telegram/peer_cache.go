package telegram

import (
	"fmt"
	"sync"

	"github.com/gotd/td/tg"

	"forcesub-bot/pkg/forcesub"
)

// PeerCache stores Telegram input peers discovered from inbound updates and RPC results.
//
// Keys are Bot API chat ids, so outbound requests carrying neutral ids can be
// turned back into peers with access hashes.
type PeerCache struct {
	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass
}

// NewPeerCache creates an empty, concurrency-safe Telegram peer cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{
		peers: make(map[int64]tg.InputPeerClass),
	}
}

// RememberEnvelope ingests entity data attached to one gotd update envelope.
func (c *PeerCache) RememberEnvelope(envelope gotdUpdateEnvelope) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for userID, user := range envelope.usersByID {
		if user == nil {
			continue
		}
		if peer := user.AsInputPeer(); peer != nil {
			c.peers[userID] = cloneInputPeer(peer)
		}
	}
	for chatID, chat := range envelope.chatsByID {
		if chat.inputPeer != nil {
			c.peers[chatID] = cloneInputPeer(chat.inputPeer)
		}
	}
}

// RememberChannel stores the peer of a channel returned by an RPC call.
func (c *PeerCache) RememberChannel(channel *tg.Channel) {
	if c == nil || channel == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[BotChannelID(channel.ID)] = &tg.InputPeerChannel{
		ChannelID:  channel.ID,
		AccessHash: channel.AccessHash,
	}
}

// Resolve returns the known input peer for a Bot API chat id.
func (c *PeerCache) Resolve(chatID int64) (tg.InputPeerClass, error) {
	if c == nil {
		return nil, fmt.Errorf("resolve peer: nil cache")
	}

	kind, id := splitChatID(chatID)
	switch kind {
	case peerKindInvalid:
		return nil, fmt.Errorf("resolve peer %d: %w", chatID, forcesub.ErrPeerUnknown)
	case peerKindChat:
		return &tg.InputPeerChat{ChatID: id}, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if peer, ok := c.peers[chatID]; ok {
		return cloneInputPeer(peer), nil
	}

	return nil, fmt.Errorf("resolve peer %d: %w", chatID, forcesub.ErrPeerUnknown)
}

// ResolveOrBare returns the known peer, or a peer with a zero access hash for
// users and channels never seen. Bots may address such peers directly.
func (c *PeerCache) ResolveOrBare(chatID int64) (tg.InputPeerClass, error) {
	peer, err := c.Resolve(chatID)
	if err == nil {
		return peer, nil
	}

	kind, id := splitChatID(chatID)
	switch kind {
	case peerKindUser:
		return &tg.InputPeerUser{UserID: id}, nil
	case peerKindChannel:
		return &tg.InputPeerChannel{ChannelID: id}, nil
	default:
		return nil, err
	}
}

// ResolveChannel returns the input channel for a Bot API channel id.
func (c *PeerCache) ResolveChannel(chatID int64) (tg.InputChannelClass, error) {
	peer, err := c.ResolveOrBare(chatID)
	if err != nil {
		return nil, err
	}

	channel, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		return nil, fmt.Errorf("resolve channel %d: not a channel", chatID)
	}

	return &tg.InputChannel{
		ChannelID:  channel.ChannelID,
		AccessHash: channel.AccessHash,
	}, nil
}

func cloneInputPeer(peer tg.InputPeerClass) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.InputPeerUser:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerChat:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerChannel:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerSelf:
		copyPeer := *typed
		return &copyPeer
	default:
		return peer
	}
}
