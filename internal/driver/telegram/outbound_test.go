package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"forcesub-bot/pkg/forcesub"
)

func TestMessengerSendMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		request    forcesub.SendMessageRequest
		rpcErr     error
		wantErr    error
		wantKind   forcesub.OutboundErrorKind
		wantID     int
		wantCalled bool
	}{
		{
			name:       "html rendered to entities",
			request:    forcesub.SendMessageRequest{ChatID: 42, Text: "<b>Hello</b> world"},
			wantID:     901,
			wantCalled: true,
		},
		{
			name: "keyboard and reply",
			request: forcesub.SendMessageRequest{
				ChatID:             42,
				Text:               "join",
				Keyboard:           forcesub.Keyboard{{forcesub.URLButton("News", "https://t.me/+abc")}, {forcesub.CallbackButton("Done", "check")}},
				DisableLinkPreview: true,
				ReplyToMessageID:   5,
			},
			wantID:     901,
			wantCalled: true,
		},
		{
			name:    "empty text rejected",
			request: forcesub.SendMessageRequest{ChatID: 42, Text: " "},
			wantErr: forcesub.ErrInvalidOutboundRequest,
		},
		{
			name:    "markup only text rejected",
			request: forcesub.SendMessageRequest{ChatID: 42, Text: "<b></b>"},
			wantErr: forcesub.ErrInvalidOutboundRequest,
		},
		{
			name:    "invalid button rejected",
			request: forcesub.SendMessageRequest{ChatID: 42, Text: "x", Keyboard: forcesub.Keyboard{{{Text: "both", Data: "a", URL: "b"}}}},
			wantErr: forcesub.ErrInvalidOutboundRequest,
		},
		{
			name:       "flood wait classified",
			request:    forcesub.SendMessageRequest{ChatID: 42, Text: "hi"},
			rpcErr:     tgerr.New(420, "FLOOD_WAIT_30"),
			wantKind:   forcesub.OutboundErrorKindRateLimited,
			wantCalled: true,
		},
		{
			name:       "blocked user is permanent",
			request:    forcesub.SendMessageRequest{ChatID: 42, Text: "hi"},
			rpcErr:     tgerr.New(403, "USER_IS_BLOCKED"),
			wantKind:   forcesub.OutboundErrorKindPermanent,
			wantCalled: true,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			rpc := &outboundRPCStub{sendID: 901, err: testCase.rpcErr}
			messenger, err := newMessengerWithRPC(rpc, NewPeerCache())
			if err != nil {
				t.Fatalf("new messenger failed: %v", err)
			}

			id, err := messenger.SendMessage(context.Background(), testCase.request)
			if rpc.called() != testCase.wantCalled {
				t.Fatalf("rpc called = %v, want %v", rpc.called(), testCase.wantCalled)
			}
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("error = %v, want %v", err, testCase.wantErr)
				}
				return
			}
			if testCase.wantKind != "" {
				outboundErr, ok := forcesub.AsOutboundError(err)
				if !ok {
					t.Fatalf("error = %v, want outbound error", err)
				}
				if outboundErr.Kind != testCase.wantKind {
					t.Fatalf("kind = %s, want %s", outboundErr.Kind, testCase.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("send failed: %v", err)
			}
			if id != testCase.wantID {
				t.Fatalf("id = %d, want %d", id, testCase.wantID)
			}
		})
	}
}

func TestMessengerSendMessageRendering(t *testing.T) {
	t.Parallel()

	rpc := &outboundRPCStub{sendID: 1}
	messenger, err := newMessengerWithRPC(rpc, NewPeerCache(), WithOutboundTimeout(time.Second))
	if err != nil {
		t.Fatalf("new messenger failed: %v", err)
	}

	keyboard := forcesub.Keyboard{{
		forcesub.URLButton("News", "https://t.me/+abc"),
		forcesub.CallbackButton("Done", "check"),
		forcesub.CopyButton("Copy", "https://t.me/+abc"),
	}}
	_, err = messenger.SendMessage(context.Background(), forcesub.SendMessageRequest{
		ChatID:             42,
		Text:               "<b>Hello</b> world",
		Keyboard:           keyboard,
		DisableLinkPreview: true,
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	sent := rpc.lastText
	if sent.text != "Hello world" {
		t.Fatalf("text = %q, want %q", sent.text, "Hello world")
	}
	if len(sent.entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(sent.entities))
	}
	bold, ok := sent.entities[0].(*tg.MessageEntityBold)
	if !ok || bold.Offset != 0 || bold.Length != 5 {
		t.Fatalf("entity = %#v, want bold 0..5", sent.entities[0])
	}
	if !sent.noWebpage {
		t.Fatal("expected link preview disabled")
	}

	markup, ok := sent.markup.(*tg.ReplyInlineMarkup)
	if !ok || len(markup.Rows) != 1 || len(markup.Rows[0].Buttons) != 3 {
		t.Fatalf("markup = %#v, want one row with three buttons", sent.markup)
	}
	if _, ok := markup.Rows[0].Buttons[0].(*tg.KeyboardButtonURL); !ok {
		t.Fatalf("first button = %T, want url button", markup.Rows[0].Buttons[0])
	}
	callback, ok := markup.Rows[0].Buttons[1].(*tg.KeyboardButtonCallback)
	if !ok || string(callback.Data) != "check" {
		t.Fatalf("second button = %#v, want callback check", markup.Rows[0].Buttons[1])
	}
	copyButton, ok := markup.Rows[0].Buttons[2].(*tg.KeyboardButtonCopy)
	if !ok || copyButton.CopyText != "https://t.me/+abc" {
		t.Fatalf("third button = %#v, want copy button", markup.Rows[0].Buttons[2])
	}

	if peer, ok := rpc.lastPeer.(*tg.InputPeerUser); !ok || peer.UserID != 42 {
		t.Fatalf("peer = %#v, want bare user 42", rpc.lastPeer)
	}
}

func TestMessengerEditMessage(t *testing.T) {
	t.Parallel()

	rpc := &outboundRPCStub{}
	messenger, err := newMessengerWithRPC(rpc, NewPeerCache())
	if err != nil {
		t.Fatalf("new messenger failed: %v", err)
	}

	if err := messenger.EditMessage(context.Background(), forcesub.EditMessageRequest{ChatID: 42, Text: "x"}); !errors.Is(err, forcesub.ErrInvalidOutboundRequest) {
		t.Fatalf("error = %v, want ErrInvalidOutboundRequest", err)
	}

	err = messenger.EditMessage(context.Background(), forcesub.EditMessageRequest{
		ChatID:    42,
		MessageID: 9,
		Text:      "<i>updated</i>",
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if rpc.lastMessageID != 9 {
		t.Fatalf("message id = %d, want 9", rpc.lastMessageID)
	}
	if rpc.lastText.markup != nil {
		t.Fatalf("markup = %#v, want nil for empty keyboard", rpc.lastText.markup)
	}
}

func TestMessengerEditMessageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rpcErr  error
		wantErr bool
	}{
		{name: "unchanged message is not a failure", rpcErr: tgerr.New(400, "MESSAGE_NOT_MODIFIED")},
		{name: "deleted message fails", rpcErr: tgerr.New(400, "MESSAGE_ID_INVALID"), wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			messenger, err := newMessengerWithRPC(&outboundRPCStub{err: testCase.rpcErr}, NewPeerCache())
			if err != nil {
				t.Fatalf("new messenger failed: %v", err)
			}

			err = messenger.EditMessage(context.Background(), forcesub.EditMessageRequest{ChatID: 42, MessageID: 9, Text: "menu"})
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestMessengerAnswerCallback(t *testing.T) {
	t.Parallel()

	rpc := &outboundRPCStub{err: tgerr.New(400, "QUERY_ID_INVALID")}
	messenger, err := newMessengerWithRPC(rpc, NewPeerCache())
	if err != nil {
		t.Fatalf("new messenger failed: %v", err)
	}

	if err := messenger.AnswerCallback(context.Background(), forcesub.AnswerCallbackRequest{}); !errors.Is(err, forcesub.ErrInvalidOutboundRequest) {
		t.Fatalf("error = %v, want ErrInvalidOutboundRequest", err)
	}

	err = messenger.AnswerCallback(context.Background(), forcesub.AnswerCallbackRequest{QueryID: 7, Text: "join first", Alert: true})
	outboundErr, ok := forcesub.AsOutboundError(err)
	if !ok {
		t.Fatalf("error = %v, want outbound error", err)
	}
	if outboundErr.Operation != forcesub.OutboundOperationAnswerCallback || outboundErr.Type != "QUERY_ID_INVALID" {
		t.Fatalf("outbound error = %+v, want answer_callback QUERY_ID_INVALID", outboundErr)
	}
	if rpc.lastAnswer.QueryID != 7 || !rpc.lastAnswer.Alert {
		t.Fatalf("answer = %+v, want query 7 alert", rpc.lastAnswer)
	}
}

func TestMessengerCopyMessages(t *testing.T) {
	t.Parallel()

	peers := NewPeerCache()
	peers.RememberChannel(&tg.Channel{ID: 900, AccessHash: 9090})

	rpc := &outboundRPCStub{}
	messenger, err := newMessengerWithRPC(rpc, peers)
	if err != nil {
		t.Fatalf("new messenger failed: %v", err)
	}

	err = messenger.CopyMessages(context.Background(), forcesub.CopyMessagesRequest{
		FromChatID: BotChannelID(900),
		MessageIDs: []int{3, 4, 5},
		ToChatID:   42,
		Protect:    true,
	})
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}

	from, ok := rpc.lastFrom.(*tg.InputPeerChannel)
	if !ok || from.AccessHash != 9090 {
		t.Fatalf("from = %#v, want storage channel with access hash", rpc.lastFrom)
	}
	if len(rpc.lastIDs) != 3 || !rpc.lastProtect {
		t.Fatalf("ids = %v protect = %v, want three protected ids", rpc.lastIDs, rpc.lastProtect)
	}

	err = messenger.CopyMessages(context.Background(), forcesub.CopyMessagesRequest{FromChatID: 1, ToChatID: 2, MessageIDs: []int{0}})
	if !errors.Is(err, forcesub.ErrInvalidOutboundRequest) {
		t.Fatalf("error = %v, want ErrInvalidOutboundRequest", err)
	}
}

func TestNewMessengerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewMessenger(nil, NewPeerCache()); err == nil {
		t.Fatal("expected nil api error")
	}
	if _, err := newMessengerWithRPC(nil, NewPeerCache()); err == nil {
		t.Fatal("expected nil rpc error")
	}
	if _, err := newMessengerWithRPC(&outboundRPCStub{}, nil); err == nil {
		t.Fatal("expected nil peer cache error")
	}
}

func TestMapTelegramOutboundError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		err            error
		wantKind       forcesub.OutboundErrorKind
		wantRetryAfter time.Duration
		wantPassThru   bool
	}{
		{name: "flood wait", err: tgerr.New(420, "FLOOD_WAIT_30"), wantKind: forcesub.OutboundErrorKindRateLimited, wantRetryAfter: 30 * time.Second},
		{name: "server error", err: tgerr.New(500, "INTERNAL"), wantKind: forcesub.OutboundErrorKindTemporary},
		{name: "migrate", err: tgerr.New(303, "NETWORK_MIGRATE_2"), wantKind: forcesub.OutboundErrorKindTemporary},
		{name: "bad request", err: tgerr.New(400, "PEER_ID_INVALID"), wantKind: forcesub.OutboundErrorKindPermanent},
		{name: "blocked by user", err: tgerr.New(403, "USER_IS_BLOCKED"), wantKind: forcesub.OutboundErrorKindPermanent},
		{name: "expired callback", err: tgerr.New(400, "QUERY_ID_INVALID"), wantKind: forcesub.OutboundErrorKindPermanent},
		{name: "internal timeout", err: tgerr.New(-503, "Timeout"), wantKind: forcesub.OutboundErrorKindTemporary},
		{name: "plain error", err: errors.New("socket closed"), wantKind: forcesub.OutboundErrorKindUnknown},
		{name: "unknown peer passes through", err: forcesub.ErrPeerUnknown, wantPassThru: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			mapped := mapTelegramOutboundError(forcesub.OutboundOperationSendMessage, testCase.err)
			if testCase.wantPassThru {
				if mapped != testCase.err {
					t.Fatalf("mapped = %v, want original error", mapped)
				}
				return
			}

			outboundErr, ok := forcesub.AsOutboundError(mapped)
			if !ok {
				t.Fatalf("mapped = %v, want outbound error", mapped)
			}
			if outboundErr.Kind != testCase.wantKind {
				t.Fatalf("kind = %s, want %s", outboundErr.Kind, testCase.wantKind)
			}
			if outboundErr.RetryAfter != testCase.wantRetryAfter {
				t.Fatalf("retry after = %s, want %s", outboundErr.RetryAfter, testCase.wantRetryAfter)
			}
			if !errors.Is(mapped, testCase.err) {
				t.Fatalf("mapped error does not wrap cause %v", testCase.err)
			}
		})
	}
}

type outboundRPCStub struct {
	mu            sync.Mutex
	sendID        int
	err           error
	calls         int
	lastPeer      tg.InputPeerClass
	lastText      styledText
	lastMessageID int
	lastAnswer    forcesub.AnswerCallbackRequest
	lastFrom      tg.InputPeerClass
	lastTo        tg.InputPeerClass
	lastIDs       []int
	lastProtect   bool
}

func (s *outboundRPCStub) SendMessage(_ context.Context, peer tg.InputPeerClass, text styledText) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastPeer = peer
	s.lastText = text
	if s.err != nil {
		return 0, s.err
	}

	return s.sendID, nil
}

func (s *outboundRPCStub) EditMessage(_ context.Context, peer tg.InputPeerClass, messageID int, text styledText) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastPeer = peer
	s.lastMessageID = messageID
	s.lastText = text

	return s.err
}

func (s *outboundRPCStub) AnswerCallback(_ context.Context, request forcesub.AnswerCallbackRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastAnswer = request

	return s.err
}

func (s *outboundRPCStub) ForwardMessages(_ context.Context, from, to tg.InputPeerClass, messageIDs []int, protect bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastFrom = from
	s.lastTo = to
	s.lastIDs = append([]int(nil), messageIDs...)
	s.lastProtect = protect

	return s.err
}

func (s *outboundRPCStub) called() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls > 0
}
