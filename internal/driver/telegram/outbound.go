package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/telegram/message/entity"
	"github.com/gotd/td/telegram/message/html"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"forcesub-bot/pkg/forcesub"
)

const defaultOutboundTimeout = 3 * time.Second

// OutboundOption mutates messenger configuration.
type OutboundOption func(*outboundConfig)

// WithOutboundTimeout configures a timeout bound for each outbound RPC call.
func WithOutboundTimeout(timeout time.Duration) OutboundOption {
	return func(cfg *outboundConfig) {
		if timeout > 0 {
			cfg.rpcTimeout = timeout
		}
	}
}

// WithOutboundLogger configures structured logging for outbound operations.
func WithOutboundLogger(logger *slog.Logger) OutboundOption {
	return func(cfg *outboundConfig) {
		cfg.logger = logger
	}
}

type outboundConfig struct {
	rpcTimeout time.Duration
	logger     *slog.Logger
}

// Messenger implements forcesub.Messenger over the gotd raw API.
//
// Message text is HTML and is converted to Telegram entities before sending.
type Messenger struct {
	cfg      outboundConfig
	peers    *PeerCache
	telegram outboundRPC
}

var _ forcesub.Messenger = (*Messenger)(nil)

// NewMessenger creates a Telegram messenger using the gotd raw API.
func NewMessenger(api *tg.Client, peers *PeerCache, options ...OutboundOption) (*Messenger, error) {
	if api == nil {
		return nil, fmt.Errorf("new telegram messenger: nil api client")
	}

	return newMessengerWithRPC(gotdOutboundRPC{raw: api, rand: crypto.DefaultRand()}, peers, options...)
}

func newMessengerWithRPC(rpc outboundRPC, peers *PeerCache, options ...OutboundOption) (*Messenger, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new telegram messenger: nil rpc adapter")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram messenger: nil peer cache")
	}

	cfg := outboundConfig{rpcTimeout: defaultOutboundTimeout}
	for _, option := range options {
		option(&cfg)
	}

	return &Messenger{
		cfg:      cfg,
		peers:    peers,
		telegram: rpc,
	}, nil
}

// SendMessage sends an HTML text message with an optional inline keyboard.
func (m *Messenger) SendMessage(ctx context.Context, request forcesub.SendMessageRequest) (int, error) {
	if err := request.Validate(); err != nil {
		return 0, fmt.Errorf("send message validate: %w", err)
	}

	peer, err := m.peers.ResolveOrBare(request.ChatID)
	if err != nil {
		return 0, fmt.Errorf("send message resolve peer: %w", err)
	}
	text, err := renderHTML(request.Text)
	if err != nil {
		return 0, fmt.Errorf("send message render: %w", err)
	}
	text.markup = inlineMarkup(request.Keyboard)
	text.noWebpage = request.DisableLinkPreview
	text.replyTo = request.ReplyToMessageID

	rpcCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	id, err := m.telegram.SendMessage(rpcCtx, peer, text)
	if err != nil {
		return 0, fmt.Errorf("send message to %d: %w",
			request.ChatID, mapTelegramOutboundError(forcesub.OutboundOperationSendMessage, err))
	}

	m.logOutbound(ctx, forcesub.OutboundOperationSendMessage, "chat_id", request.ChatID, "message_id", id)

	return id, nil
}

// EditMessage replaces the text and keyboard of an existing message.
func (m *Messenger) EditMessage(ctx context.Context, request forcesub.EditMessageRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("edit message validate: %w", err)
	}

	peer, err := m.peers.ResolveOrBare(request.ChatID)
	if err != nil {
		return fmt.Errorf("edit message resolve peer: %w", err)
	}
	text, err := renderHTML(request.Text)
	if err != nil {
		return fmt.Errorf("edit message render: %w", err)
	}
	text.markup = inlineMarkup(request.Keyboard)

	rpcCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.telegram.EditMessage(rpcCtx, peer, request.MessageID, text); err != nil {
		if tgerr.Is(err, errMessageNotModified) {
			m.logOutbound(ctx, forcesub.OutboundOperationEditMessage,
				"chat_id", request.ChatID, "message_id", request.MessageID, "unchanged", true)
			return nil
		}
		return fmt.Errorf("edit message %d: %w",
			request.MessageID, mapTelegramOutboundError(forcesub.OutboundOperationEditMessage, err))
	}

	m.logOutbound(ctx, forcesub.OutboundOperationEditMessage, "chat_id", request.ChatID, "message_id", request.MessageID)

	return nil
}

// AnswerCallback acknowledges a callback query, optionally with a toast or alert.
func (m *Messenger) AnswerCallback(ctx context.Context, request forcesub.AnswerCallbackRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("answer callback validate: %w", err)
	}

	rpcCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.telegram.AnswerCallback(rpcCtx, request); err != nil {
		return fmt.Errorf("answer callback %d: %w",
			request.QueryID, mapTelegramOutboundError(forcesub.OutboundOperationAnswerCallback, err))
	}

	return nil
}

// CopyMessages forwards messages without the author header.
func (m *Messenger) CopyMessages(ctx context.Context, request forcesub.CopyMessagesRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("copy messages validate: %w", err)
	}

	from, err := m.peers.ResolveOrBare(request.FromChatID)
	if err != nil {
		return fmt.Errorf("copy messages resolve source: %w", err)
	}
	to, err := m.peers.ResolveOrBare(request.ToChatID)
	if err != nil {
		return fmt.Errorf("copy messages resolve target: %w", err)
	}

	rpcCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.telegram.ForwardMessages(rpcCtx, from, to, request.MessageIDs, request.Protect); err != nil {
		return fmt.Errorf("copy messages to %d: %w",
			request.ToChatID, mapTelegramOutboundError(forcesub.OutboundOperationCopyMessages, err))
	}

	m.logOutbound(
		ctx,
		forcesub.OutboundOperationCopyMessages,
		"from_chat_id", request.FromChatID,
		"to_chat_id", request.ToChatID,
		"count", len(request.MessageIDs),
		"protect", request.Protect,
	)

	return nil
}

func (m *Messenger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.rpcTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, m.cfg.rpcTimeout)
}

func (m *Messenger) logOutbound(ctx context.Context, operation forcesub.OutboundOperation, attrs ...any) {
	if m.cfg.logger == nil {
		return
	}

	values := make([]any, 0, 2+len(attrs))
	values = append(values, "operation", operation)
	values = append(values, attrs...)
	m.cfg.logger.DebugContext(ctx, "telegram outbound operation", values...)
}

// styledText is a rendered message body ready for RPC.
type styledText struct {
	text      string
	entities  []tg.MessageEntityClass
	markup    tg.ReplyMarkupClass
	noWebpage bool
	replyTo   int
}

func renderHTML(text string) (styledText, error) {
	var builder entity.Builder
	if err := html.HTML(strings.NewReader(text), &builder, html.Options{}); err != nil {
		return styledText{}, fmt.Errorf("%w: parse html: %w", forcesub.ErrInvalidOutboundRequest, err)
	}

	plain, entities := builder.Complete()
	if strings.TrimSpace(plain) == "" {
		return styledText{}, fmt.Errorf("%w: empty text after html rendering", forcesub.ErrInvalidOutboundRequest)
	}

	return styledText{text: plain, entities: entities}, nil
}

func inlineMarkup(keyboard forcesub.Keyboard) tg.ReplyMarkupClass {
	if len(keyboard) == 0 {
		return nil
	}

	rows := make([]tg.KeyboardButtonRow, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]tg.KeyboardButtonClass, 0, len(row))
		for _, button := range row {
			switch {
			case button.URL != "":
				buttons = append(buttons, &tg.KeyboardButtonURL{Text: button.Text, URL: button.URL})
			case button.CopyText != "":
				buttons = append(buttons, &tg.KeyboardButtonCopy{Text: button.Text, CopyText: button.CopyText})
			default:
				buttons = append(buttons, &tg.KeyboardButtonCallback{Text: button.Text, Data: []byte(button.Data)})
			}
		}
		rows = append(rows, tg.KeyboardButtonRow{Buttons: buttons})
	}

	return &tg.ReplyInlineMarkup{Rows: rows}
}

type outboundRPC interface {
	SendMessage(ctx context.Context, peer tg.InputPeerClass, text styledText) (int, error)
	EditMessage(ctx context.Context, peer tg.InputPeerClass, messageID int, text styledText) error
	AnswerCallback(ctx context.Context, request forcesub.AnswerCallbackRequest) error
	ForwardMessages(ctx context.Context, from, to tg.InputPeerClass, messageIDs []int, protect bool) error
}

type gotdOutboundRPC struct {
	raw  *tg.Client
	rand io.Reader
}

func (r gotdOutboundRPC) SendMessage(ctx context.Context, peer tg.InputPeerClass, text styledText) (int, error) {
	randomID, err := crypto.RandInt64(r.rand)
	if err != nil {
		return 0, fmt.Errorf("send message random id: %w", err)
	}

	request := &tg.MessagesSendMessageRequest{
		Peer:      peer,
		Message:   text.text,
		Entities:  text.entities,
		NoWebpage: text.noWebpage,
		RandomID:  randomID,
	}
	if text.markup != nil {
		request.SetReplyMarkup(text.markup)
	}
	if text.replyTo > 0 {
		request.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: text.replyTo})
	}

	updates, err := r.raw.MessagesSendMessage(ctx, request)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}

	messageID, err := unpack.MessageID(updates, nil)
	if err != nil {
		return 0, fmt.Errorf("extract sent message id: %w", err)
	}

	return messageID, nil
}

func (r gotdOutboundRPC) EditMessage(ctx context.Context, peer tg.InputPeerClass, messageID int, text styledText) error {
	request := &tg.MessagesEditMessageRequest{
		Peer:     peer,
		ID:       messageID,
		Message:  text.text,
		Entities: text.entities,
	}
	if text.markup != nil {
		request.SetReplyMarkup(text.markup)
	}

	if _, err := r.raw.MessagesEditMessage(ctx, request); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}

	return nil
}

func (r gotdOutboundRPC) AnswerCallback(ctx context.Context, request forcesub.AnswerCallbackRequest) error {
	answer := &tg.MessagesSetBotCallbackAnswerRequest{
		QueryID: request.QueryID,
		Alert:   request.Alert,
	}
	if request.Text != "" {
		answer.SetMessage(request.Text)
	}

	if _, err := r.raw.MessagesSetBotCallbackAnswer(ctx, answer); err != nil {
		return fmt.Errorf("set bot callback answer: %w", err)
	}

	return nil
}

func (r gotdOutboundRPC) ForwardMessages(
	ctx context.Context,
	from tg.InputPeerClass,
	to tg.InputPeerClass,
	messageIDs []int,
	protect bool,
) error {
	randomIDs := make([]int64, 0, len(messageIDs))
	for range messageIDs {
		randomID, err := crypto.RandInt64(r.rand)
		if err != nil {
			return fmt.Errorf("forward messages random id: %w", err)
		}
		randomIDs = append(randomIDs, randomID)
	}

	_, err := r.raw.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:   from,
		ToPeer:     to,
		ID:         messageIDs,
		RandomID:   randomIDs,
		DropAuthor: true,
		Noforwards: protect,
	})
	if err != nil {
		return fmt.Errorf("forward messages: %w", err)
	}

	return nil
}
