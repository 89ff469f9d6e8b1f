package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"

	"forcesub-bot/pkg/forcesub"
)

// InviteLinkTitle names invite links created for gating channels.
const InviteLinkTitle = "FORCESUB"

// Admin rights the bot needs in a gating channel.
const (
	RightInviteUsers    = "can_invite_users"
	RightChangeInfo     = "can_change_info"
	RightDeleteMessages = "can_delete_messages"
)

// ChannelInspector reads channel titles, bot rights and invite links.
type ChannelInspector struct {
	rpc     channelRPC
	peers   *PeerCache
	timeout time.Duration
}

var _ forcesub.ChannelInspector = (*ChannelInspector)(nil)

// NewChannelInspector creates an inspector using the gotd raw API.
func NewChannelInspector(api *tg.Client, peers *PeerCache, timeout time.Duration) (*ChannelInspector, error) {
	if api == nil {
		return nil, fmt.Errorf("new channel inspector: nil api client")
	}

	return newChannelInspector(gotdChannelRPC{raw: api}, peers, timeout)
}

func newChannelInspector(rpc channelRPC, peers *PeerCache, timeout time.Duration) (*ChannelInspector, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new channel inspector: nil rpc adapter")
	}
	if peers == nil {
		return nil, fmt.Errorf("new channel inspector: nil peer cache")
	}
	if timeout <= 0 {
		timeout = defaultOutboundTimeout
	}

	return &ChannelInspector{rpc: rpc, peers: peers, timeout: timeout}, nil
}

// InspectChannel returns the channel title, the rights the bot lacks and,
// when the bot may invite users, a fresh invite link.
func (i *ChannelInspector) InspectChannel(ctx context.Context, channelID int64) (forcesub.ChannelInfo, error) {
	input, err := i.peers.ResolveChannel(channelID)
	if err != nil {
		return forcesub.ChannelInfo{}, fmt.Errorf("inspect channel %d: %w", channelID, err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	channel, err := i.rpc.GetChannel(rpcCtx, input)
	if err != nil {
		return forcesub.ChannelInfo{}, fmt.Errorf("inspect channel %d: %w",
			channelID, mapTelegramOutboundError(forcesub.OutboundOperationInspectChannel, err))
	}
	i.peers.RememberChannel(channel)

	info := forcesub.ChannelInfo{
		Title:         channel.Title,
		MissingRights: missingRights(channel),
	}
	if len(info.MissingRights) > 0 {
		return info, nil
	}

	link, err := i.rpc.ExportInvite(rpcCtx, &tg.InputPeerChannel{
		ChannelID:  channel.ID,
		AccessHash: channel.AccessHash,
	}, InviteLinkTitle)
	if err != nil {
		return forcesub.ChannelInfo{}, fmt.Errorf("export invite for %d: %w",
			channelID, mapTelegramOutboundError(forcesub.OutboundOperationInspectChannel, err))
	}
	info.InviteLink = link

	return info, nil
}

func missingRights(channel *tg.Channel) []string {
	if channel.Creator {
		return nil
	}

	rights, _ := channel.GetAdminRights()
	var missing []string
	if !rights.InviteUsers {
		missing = append(missing, RightInviteUsers)
	}
	if !rights.ChangeInfo {
		missing = append(missing, RightChangeInfo)
	}
	if !rights.DeleteMessages {
		missing = append(missing, RightDeleteMessages)
	}

	return missing
}

type channelRPC interface {
	GetChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.Channel, error)
	ExportInvite(ctx context.Context, peer tg.InputPeerClass, title string) (string, error)
}

type gotdChannelRPC struct {
	raw *tg.Client
}

func (r gotdChannelRPC) GetChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.Channel, error) {
	result, err := r.raw.ChannelsGetChannels(ctx, []tg.InputChannelClass{channel})
	if err != nil {
		return nil, fmt.Errorf("get channels: %w", err)
	}

	var chats []tg.ChatClass
	switch typed := result.(type) {
	case *tg.MessagesChats:
		chats = typed.Chats
	case *tg.MessagesChatsSlice:
		chats = typed.Chats
	}
	for _, chat := range chats {
		switch typed := chat.(type) {
		case *tg.Channel:
			return typed, nil
		case *tg.ChannelForbidden:
			return nil, fmt.Errorf("channel %d is not accessible to the bot", typed.ID)
		}
	}

	return nil, fmt.Errorf("get channels: channel missing from result")
}

func (r gotdChannelRPC) ExportInvite(ctx context.Context, peer tg.InputPeerClass, title string) (string, error) {
	request := &tg.MessagesExportChatInviteRequest{Peer: peer}
	request.SetTitle(title)

	invite, err := r.raw.MessagesExportChatInvite(ctx, request)
	if err != nil {
		return "", fmt.Errorf("export chat invite: %w", err)
	}

	exported, ok := invite.(*tg.ChatInviteExported)
	if !ok {
		return "", fmt.Errorf("export chat invite: unexpected %s", invite.TypeName())
	}

	return exported.Link, nil
}
