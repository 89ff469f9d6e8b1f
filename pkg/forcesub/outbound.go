package forcesub

import (
	"context"
	"fmt"
	"strings"
)

// Messenger sends, edits and copies messages and answers callback queries.
type Messenger interface {
	SendMessage(ctx context.Context, request SendMessageRequest) (int, error)
	EditMessage(ctx context.Context, request EditMessageRequest) error
	AnswerCallback(ctx context.Context, request AnswerCallbackRequest) error
	CopyMessages(ctx context.Context, request CopyMessagesRequest) error
}

// Button is one inline keyboard button. Exactly one of Data, URL or CopyText
// is set.
type Button struct {
	Text     string
	Data     string
	URL      string
	CopyText string
}

// CallbackButton creates a button that produces a callback query with data.
func CallbackButton(text, data string) Button {
	return Button{Text: text, Data: data}
}

// URLButton creates a button that opens url.
func URLButton(text, url string) Button {
	return Button{Text: text, URL: url}
}

// CopyButton creates a button that copies text to the user's clipboard.
func CopyButton(text, copyText string) Button {
	return Button{Text: text, CopyText: copyText}
}

// Keyboard is an inline keyboard laid out in rows.
type Keyboard [][]Button

// Validate checks button shape and Telegram callback data size.
func (k Keyboard) Validate() error {
	for rowIdx, row := range k {
		for colIdx, button := range row {
			if strings.TrimSpace(button.Text) == "" {
				return fmt.Errorf("%w: button [%d][%d] empty text", ErrInvalidOutboundRequest, rowIdx, colIdx)
			}
			if button.actions() != 1 {
				return fmt.Errorf("%w: button [%d][%d] needs exactly one of data, url or copy text", ErrInvalidOutboundRequest, rowIdx, colIdx)
			}
			if len(button.Data) > 64 {
				return fmt.Errorf("%w: button [%d][%d] callback data exceeds 64 bytes", ErrInvalidOutboundRequest, rowIdx, colIdx)
			}
		}
	}

	return nil
}

func (b Button) actions() int {
	count := 0
	for _, value := range []string{b.Data, b.URL, b.CopyText} {
		if value != "" {
			count++
		}
	}

	return count
}

// SendMessageRequest sends an HTML-formatted text message.
type SendMessageRequest struct {
	ChatID             int64
	Text               string
	Keyboard           Keyboard
	DisableLinkPreview bool
	ReplyToMessageID   int
}

// Validate checks request fields.
func (r SendMessageRequest) Validate() error {
	if r.ChatID == 0 {
		return fmt.Errorf("%w: missing chat id", ErrInvalidOutboundRequest)
	}
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidOutboundRequest)
	}

	return r.Keyboard.Validate()
}

// EditMessageRequest replaces text and keyboard of an existing message.
type EditMessageRequest struct {
	ChatID    int64
	MessageID int
	Text      string
	Keyboard  Keyboard
}

// Validate checks request fields.
func (r EditMessageRequest) Validate() error {
	if r.ChatID == 0 {
		return fmt.Errorf("%w: missing chat id", ErrInvalidOutboundRequest)
	}
	if r.MessageID <= 0 {
		return fmt.Errorf("%w: invalid message id", ErrInvalidOutboundRequest)
	}
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidOutboundRequest)
	}

	return r.Keyboard.Validate()
}

// AnswerCallbackRequest acknowledges a callback query.
type AnswerCallbackRequest struct {
	QueryID int64
	Text    string
	Alert   bool
}

// Validate checks request fields.
func (r AnswerCallbackRequest) Validate() error {
	if r.QueryID == 0 {
		return fmt.Errorf("%w: missing query id", ErrInvalidOutboundRequest)
	}

	return nil
}

// CopyMessagesRequest copies messages without the forward header.
type CopyMessagesRequest struct {
	FromChatID int64
	MessageIDs []int
	ToChatID   int64
	// Protect forbids forwarding and saving of the copies.
	Protect bool
}

// Validate checks request fields.
func (r CopyMessagesRequest) Validate() error {
	if r.FromChatID == 0 || r.ToChatID == 0 {
		return fmt.Errorf("%w: missing chat id", ErrInvalidOutboundRequest)
	}
	if len(r.MessageIDs) == 0 {
		return fmt.Errorf("%w: no message ids", ErrInvalidOutboundRequest)
	}
	for _, id := range r.MessageIDs {
		if id <= 0 {
			return fmt.Errorf("%w: invalid message id %d", ErrInvalidOutboundRequest, id)
		}
	}

	return nil
}

// ChannelInfo describes a channel as seen by the bot.
type ChannelInfo struct {
	Title      string
	InviteLink string
	// MissingRights lists admin rights the bot lacks in the channel.
	MissingRights []string
}

// ChannelInspector reads channel metadata and the bot's rights in it.
type ChannelInspector interface {
	InspectChannel(ctx context.Context, channelID int64) (ChannelInfo, error)
}
