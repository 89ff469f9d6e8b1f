package start

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"forcesub-bot/pkg/forcesub"
)

const (
	channelA = int64(-1000000000501)
	channelB = int64(-1000000000502)
	channelC = int64(-1000000000503)
	storage  = int64(-1000000000900)
)

func TestModuleHandleCommand(t *testing.T) {
	t.Parallel()

	storedLink := forcesub.Link{Code: "abc123", ChannelID: storage, MessageIDs: []int{10, 11}}

	tests := []struct {
		name          string
		args          string
		admin         bool
		config        map[string]string
		active        []int64
		subscribed    bool
		gateErr       error
		resolveErr    error
		rememberErr   error
		wantErr       bool
		wantGateCalls int32
		wantCopy      *forcesub.CopyMessagesRequest
		wantText      string
		wantKeyboard  forcesub.Keyboard
	}{
		{
			name:     "welcome for regular user",
			wantText: "Hello <b>Alice &amp; co</b>",
			wantKeyboard: forcesub.Keyboard{
				{forcesub.CallbackButton("❓ Help", "help"), forcesub.CallbackButton("🏓 Ping", "ping")},
				{forcesub.CallbackButton("ℹ️ About", "about")},
			},
		},
		{
			name:     "welcome for admin adds admin row",
			admin:    true,
			wantText: "Hello",
			wantKeyboard: forcesub.Keyboard{
				{forcesub.CallbackButton("❓ Help", "help"), forcesub.CallbackButton("🏓 Ping", "ping")},
				{forcesub.CallbackButton("ℹ️ About", "about")},
				{forcesub.CallbackButton("⚙️ Variables", "vars"), forcesub.CallbackButton("📢 Force Sub", "channel")},
			},
		},
		{
			name:        "remember failure does not block welcome",
			rememberErr: errors.New("db down"),
			wantText:    "Hello",
		},
		{
			name:       "unknown code",
			args:       "nope",
			resolveErr: forcesub.ErrNotFound,
			wantText:   invalidLink,
		},
		{
			name:       "link lookup failure",
			args:       "abc123",
			resolveErr: errors.New("db down"),
			wantErr:    true,
		},
		{
			name:   "force sub disabled delivers",
			args:   "abc123",
			config: map[string]string{forcesub.ConfigForceSubEnabled: "false", forcesub.ConfigContentRestricted: "true"},
			active: []int64{channelA},
			wantCopy: &forcesub.CopyMessagesRequest{
				FromChatID: storage, MessageIDs: []int{10, 11}, ToChatID: 42, Protect: true,
			},
		},
		{
			name:   "no active channels delivers",
			args:   "abc123",
			config: map[string]string{forcesub.ConfigForceSubEnabled: "true"},
			wantCopy: &forcesub.CopyMessagesRequest{
				FromChatID: storage, MessageIDs: []int{10, 11}, ToChatID: 42,
			},
		},
		{
			name:          "subscribed user receives content",
			args:          "abc123",
			config:        map[string]string{forcesub.ConfigForceSubEnabled: "true", forcesub.ConfigContentRestricted: "false"},
			active:        []int64{channelA, channelB},
			subscribed:    true,
			wantGateCalls: 1,
			wantCopy: &forcesub.CopyMessagesRequest{
				FromChatID: storage, MessageIDs: []int{10, 11}, ToChatID: 42,
			},
		},
		{
			name:          "unsubscribed user gets join buttons",
			args:          "abc123",
			config:        map[string]string{forcesub.ConfigForceSubEnabled: "true"},
			active:        []int64{channelA, channelB},
			wantGateCalls: 1,
			wantText:      "join every channel",
			wantKeyboard: forcesub.Keyboard{
				{forcesub.URLButton("Join A", "https://t.me/+a")},
				{forcesub.URLButton(forcesub.DefaultChannelPlaceholder, "https://t.me/+b")},
				{forcesub.URLButton(retryButtonText, "https://t.me/gatebot?start=abc123")},
			},
		},
		{
			name:          "membership check failure asks to retry",
			args:          "abc123",
			config:        map[string]string{forcesub.ConfigForceSubEnabled: "true"},
			active:        []int64{channelA},
			gateErr:       context.DeadlineExceeded,
			wantGateCalls: 1,
			wantText:      checkFailed,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			messenger := &messengerStub{}
			gate := &gateStub{active: testCase.active, subscribed: testCase.subscribed, err: testCase.gateErr}
			users := &userStoreStub{err: testCase.rememberErr}
			module := newTestModule(messenger, gate, users)
			module.config = configStub(testCase.config)
			module.admins = adminStub{admin: testCase.admin}
			module.links = &linkServiceStub{link: storedLink, err: testCase.resolveErr}

			err := module.handleCommand(context.Background(), newMessageEvent(), forcesub.Command{Name: "start", Args: testCase.args})
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("handle command failed: %v", err)
			}

			if got := users.calls.Load(); got != 1 {
				t.Fatalf("remember calls = %d, want 1", got)
			}
			if got := gate.calls.Load(); got != testCase.wantGateCalls {
				t.Fatalf("gate calls = %d, want %d", got, testCase.wantGateCalls)
			}

			if testCase.wantCopy != nil {
				if len(messenger.copies) != 1 {
					t.Fatalf("copies = %d, want 1", len(messenger.copies))
				}
				if diff := cmp.Diff(*testCase.wantCopy, messenger.copies[0]); diff != "" {
					t.Fatalf("copy mismatch (-want +got):\n%s", diff)
				}
				if len(messenger.sent) != 0 {
					t.Fatalf("sent = %d, want 0", len(messenger.sent))
				}
				return
			}

			if len(messenger.copies) != 0 {
				t.Fatalf("copies = %d, want 0", len(messenger.copies))
			}
			if len(messenger.sent) != 1 {
				t.Fatalf("sent = %d, want 1", len(messenger.sent))
			}
			sent := messenger.sent[0]
			if !strings.Contains(sent.Text, testCase.wantText) {
				t.Fatalf("text = %q, want to contain %q", sent.Text, testCase.wantText)
			}
			if testCase.wantKeyboard != nil {
				if diff := cmp.Diff(testCase.wantKeyboard, sent.Keyboard); diff != "" {
					t.Fatalf("keyboard mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestModuleHandleCallbackEditsWelcome(t *testing.T) {
	t.Parallel()

	messenger := &messengerStub{editErr: errors.New("message not modified")}
	module := newTestModule(messenger, &gateStub{}, &userStoreStub{})
	module.admins = adminStub{admin: true}

	event := forcesub.NewEvent(forcesub.EventKindCallbackQuery, time.Now())
	event.Interaction = &forcesub.Interaction{QueryID: 7, ChatID: 42, UserID: 42, MessageID: 5, FirstName: "Alice"}

	if err := module.handleCallback(context.Background(), event, startTrigger); err != nil {
		t.Fatalf("handle callback failed: %v", err)
	}
	if len(messenger.edits) != 1 || messenger.edits[0].MessageID != 5 {
		t.Fatalf("edits = %+v, want one edit of message 5", messenger.edits)
	}
	if len(messenger.edits[0].Keyboard) != 3 {
		t.Fatalf("keyboard rows = %d, want 3", len(messenger.edits[0].Keyboard))
	}
	if diff := cmp.Diff([]forcesub.AnswerCallbackRequest{{QueryID: 7}}, messenger.answers); diff != "" {
		t.Fatalf("answers mismatch (-want +got):\n%s", diff)
	}
}

func TestModuleOnRegister(t *testing.T) {
	t.Parallel()

	values := map[string]any{
		forcesub.ServiceMessenger:   &messengerStub{},
		forcesub.ServiceConfig:      configStub(nil),
		forcesub.ServiceMembership:  &gateStub{},
		forcesub.ServiceChannels:    channelStoreStub{},
		forcesub.ServiceLinks:       &linkServiceStub{},
		forcesub.ServiceAdmins:      adminStub{},
		forcesub.ServiceUsers:       &userStoreStub{},
		forcesub.ServiceBotIdentity: identityStub("gatebot"),
	}

	module := New()
	if err := module.OnRegister(context.Background(), moduleRuntimeStub{registry: serviceRegistryStub{values: values}}); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}
	if module.identity.Username() != "gatebot" {
		t.Fatalf("identity = %q, want gatebot", module.identity.Username())
	}

	delete(values, forcesub.ServiceLinks)
	if err := New().OnRegister(context.Background(), moduleRuntimeStub{registry: serviceRegistryStub{values: values}}); err == nil {
		t.Fatal("expected missing link service error")
	}
}

func TestModuleSpec(t *testing.T) {
	t.Parallel()

	spec := New().Spec()
	if err := spec.Validate(); err != nil {
		t.Fatalf("spec invalid: %v", err)
	}
	if len(spec.Commands) != 1 || spec.Commands[0].Name != startCommandName {
		t.Fatalf("commands = %+v, want /start", spec.Commands)
	}
	if len(spec.Triggers) != 1 || spec.Triggers[0].Trigger != startTrigger || spec.Triggers[0].Match != forcesub.MatchExact {
		t.Fatalf("triggers = %+v, want exact start", spec.Triggers)
	}
}

func newTestModule(messenger *messengerStub, gate *gateStub, users *userStoreStub) *Module {
	module := New()
	module.messenger = messenger
	module.gate = gate
	module.users = users
	module.config = configStub(nil)
	module.admins = adminStub{}
	module.links = &linkServiceStub{}
	module.identity = identityStub("gatebot")
	module.channels = channelStoreStub{channels: []forcesub.Channel{
		{ID: channelA, Placeholder: "Join A", InviteLink: "https://t.me/+a", Active: true},
		{ID: channelB, InviteLink: "https://t.me/+b", Active: true},
		{ID: channelC, Placeholder: "Not gating", InviteLink: "https://t.me/+c", Active: true},
	}}

	return module
}

func newMessageEvent() *forcesub.Event {
	event := forcesub.NewEvent(forcesub.EventKindPrivateMessage, time.Now())
	event.Interaction = &forcesub.Interaction{ChatID: 42, UserID: 42, MessageID: 3, FirstName: "Alice & co", Text: "/start"}

	return event
}

type messengerStub struct {
	mu      sync.Mutex
	sent    []forcesub.SendMessageRequest
	edits   []forcesub.EditMessageRequest
	answers []forcesub.AnswerCallbackRequest
	copies  []forcesub.CopyMessagesRequest
	editErr error
}

func (s *messengerStub) SendMessage(_ context.Context, request forcesub.SendMessageRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, request)

	return len(s.sent), nil
}

func (s *messengerStub) EditMessage(_ context.Context, request forcesub.EditMessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, request)

	return s.editErr
}

func (s *messengerStub) AnswerCallback(_ context.Context, request forcesub.AnswerCallbackRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, request)

	return nil
}

func (s *messengerStub) CopyMessages(_ context.Context, request forcesub.CopyMessagesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copies = append(s.copies, request)

	return nil
}

type configStub map[string]string

func (s configStub) Get(key string) (string, bool) {
	value, ok := s[key]
	return value, ok
}

func (s configStub) Bool(key string) bool {
	return s[key] == "true"
}

func (s configStub) Set(context.Context, string, string) error { return nil }
func (s configStub) Delete(context.Context, string) error      { return nil }
func (s configStub) Keys() []string                            { return nil }

type gateStub struct {
	active     []int64
	subscribed bool
	err        error
	calls      atomic.Int32
}

func (s *gateStub) IsSubscribedToAll(context.Context, int64, []int64) (bool, error) {
	s.calls.Add(1)
	return s.subscribed, s.err
}

func (s *gateStub) ActiveChannels() []int64 {
	return s.active
}

type channelStoreStub struct {
	channels []forcesub.Channel
}

func (s channelStoreStub) ListChannels(context.Context, bool) ([]forcesub.Channel, error) {
	return s.channels, nil
}

func (s channelStoreStub) GetChannel(context.Context, int64) (forcesub.Channel, error) {
	return forcesub.Channel{}, forcesub.ErrNotFound
}

func (s channelStoreStub) SaveChannel(context.Context, forcesub.Channel) error { return nil }
func (s channelStoreStub) DeleteChannel(context.Context, int64) error         { return nil }

type linkServiceStub struct {
	link forcesub.Link
	err  error
}

func (s *linkServiceStub) CreateLink(context.Context, int64, []int, bool) (forcesub.Link, error) {
	return s.link, s.err
}

func (s *linkServiceStub) ResolveLink(context.Context, string) (forcesub.Link, error) {
	if s.err != nil {
		return forcesub.Link{}, s.err
	}

	return s.link, nil
}

type adminStub struct {
	admin bool
}

func (s adminStub) IsAdmin(int64) bool {
	return s.admin
}

type userStoreStub struct {
	err   error
	calls atomic.Int32
}

func (s *userStoreStub) RememberUser(context.Context, int64) error {
	s.calls.Add(1)
	return s.err
}

func (s *userStoreStub) CountUsers(context.Context) (int64, error) {
	return int64(s.calls.Load()), nil
}

type identityStub string

func (s identityStub) Username() string {
	return string(s)
}

type moduleRuntimeStub struct {
	registry forcesub.ServiceRegistry
}

func (s moduleRuntimeStub) Services() forcesub.ServiceRegistry {
	return s.registry
}

func (s moduleRuntimeStub) Subscribe(
	context.Context,
	forcesub.InterestSet,
	forcesub.SubscriptionSpec,
	forcesub.EventHandler,
) (forcesub.Subscription, error) {
	return nil, nil
}

func (s moduleRuntimeStub) Publish(context.Context, *forcesub.Event) error {
	return nil
}

type serviceRegistryStub struct {
	values map[string]any
}

func (s serviceRegistryStub) Register(string, any) error {
	return nil
}

func (s serviceRegistryStub) Resolve(name string) (any, error) {
	value, ok := s.values[name]
	if !ok {
		return nil, forcesub.ErrServiceNotFound
	}

	return value, nil
}
