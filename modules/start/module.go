package start

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"

	"forcesub-bot/pkg/forcesub"
)

const (
	startCommandName = "start"
	startTrigger     = "start"

	welcomeTemplate = "👋 Hello <b>%s</b>!\n\nI keep shared files behind a channel subscription check."
	featureText     = "Open a shared link to receive its content. Use the buttons below to explore."
	notSubscribed   = "🔒 <b>%s</b>, join every channel below to unlock this content, then press <b>Try Again</b>."
	invalidLink     = "❌ This link is invalid or has expired."
	checkFailed     = "⚠️ Could not verify your subscriptions right now. Please try again in a moment."
	retryButtonText = "🔄 Try Again"
)

// Module serves /start: the welcome menu and deep-link delivery behind the
// subscription gate.
type Module struct {
	logger    *slog.Logger
	messenger forcesub.Messenger
	config    forcesub.ConfigService
	gate      forcesub.MembershipGate
	channels  forcesub.ChannelStore
	links     forcesub.LinkService
	admins    forcesub.AdminDirectory
	users     forcesub.UserStore
	identity  forcesub.BotIdentity
}

// New creates a start module.
func New() *Module {
	return &Module{logger: slog.Default()}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "start"
}

// Spec declares the /start command and the "start" back-to-menu trigger.
func (m *Module) Spec() forcesub.ModuleSpec {
	return forcesub.ModuleSpec{
		Commands: []forcesub.CommandSpec{
			{
				Name:        startCommandName,
				Description: "show the welcome menu or open a shared link",
				Handler:     forcesub.CommandHandlerFunc(m.handleCommand),
			},
		},
		Triggers: []forcesub.TriggerSpec{
			{
				Trigger: startTrigger,
				Match:   forcesub.MatchExact,
				Handler: forcesub.CallbackHandlerFunc(m.handleCallback),
			},
		},
		AdditionalCapabilities: []forcesub.Capability{
			{
				Name:        "deep-link-gate",
				Description: "delivers stored content to users subscribed to every active channel",
				RequiredServices: []string{
					forcesub.ServiceMessenger,
					forcesub.ServiceConfig,
					forcesub.ServiceMembership,
					forcesub.ServiceChannels,
					forcesub.ServiceLinks,
					forcesub.ServiceAdmins,
					forcesub.ServiceUsers,
					forcesub.ServiceBotIdentity,
				},
			},
		},
	}
}

// OnRegister resolves dependencies required by this module.
func (m *Module) OnRegister(_ context.Context, runtime forcesub.ModuleRuntime) error {
	services := runtime.Services()

	var err error
	if m.messenger, err = forcesub.ResolveAs[forcesub.Messenger](services, forcesub.ServiceMessenger); err != nil {
		return fmt.Errorf("start resolve messenger: %w", err)
	}
	if m.config, err = forcesub.ResolveAs[forcesub.ConfigService](services, forcesub.ServiceConfig); err != nil {
		return fmt.Errorf("start resolve config: %w", err)
	}
	if m.gate, err = forcesub.ResolveAs[forcesub.MembershipGate](services, forcesub.ServiceMembership); err != nil {
		return fmt.Errorf("start resolve membership gate: %w", err)
	}
	if m.channels, err = forcesub.ResolveAs[forcesub.ChannelStore](services, forcesub.ServiceChannels); err != nil {
		return fmt.Errorf("start resolve channel store: %w", err)
	}
	if m.links, err = forcesub.ResolveAs[forcesub.LinkService](services, forcesub.ServiceLinks); err != nil {
		return fmt.Errorf("start resolve link service: %w", err)
	}
	if m.admins, err = forcesub.ResolveAs[forcesub.AdminDirectory](services, forcesub.ServiceAdmins); err != nil {
		return fmt.Errorf("start resolve admin directory: %w", err)
	}
	if m.users, err = forcesub.ResolveAs[forcesub.UserStore](services, forcesub.ServiceUsers); err != nil {
		return fmt.Errorf("start resolve user store: %w", err)
	}
	if m.identity, err = forcesub.ResolveAs[forcesub.BotIdentity](services, forcesub.ServiceBotIdentity); err != nil {
		return fmt.Errorf("start resolve bot identity: %w", err)
	}
	if logger, err := forcesub.ResolveAs[*slog.Logger](services, forcesub.ServiceLogger); err == nil && logger != nil {
		m.logger = logger
	}

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(_ context.Context) error {
	return nil
}

// OnShutdown stops the module lifecycle.
func (m *Module) OnShutdown(_ context.Context) error {
	return nil
}

func (m *Module) handleCommand(ctx context.Context, event *forcesub.Event, command forcesub.Command) error {
	if event == nil || event.Interaction == nil {
		return nil
	}
	interaction := event.Interaction

	if err := m.users.RememberUser(ctx, interaction.UserID); err != nil {
		m.logger.WarnContext(ctx, "remember user failed", "user_id", interaction.UserID, "error", err)
	}

	if command.Args == "" {
		return m.sendWelcome(ctx, interaction)
	}

	return m.handleDeepLink(ctx, interaction, command.Args)
}

func (m *Module) handleCallback(ctx context.Context, event *forcesub.Event, _ string) error {
	interaction := event.Interaction

	err := m.messenger.EditMessage(ctx, forcesub.EditMessageRequest{
		ChatID:    interaction.ChatID,
		MessageID: interaction.MessageID,
		Text:      welcomeText(interaction.FirstName),
		Keyboard:  m.featureKeyboard(interaction.UserID),
	})
	if err != nil {
		m.logger.WarnContext(ctx, "edit welcome message failed", "chat_id", interaction.ChatID, "error", err)
	}

	if answerErr := m.messenger.AnswerCallback(ctx, forcesub.AnswerCallbackRequest{QueryID: interaction.QueryID}); answerErr != nil {
		return fmt.Errorf("start answer callback: %w", answerErr)
	}

	return nil
}

func (m *Module) sendWelcome(ctx context.Context, interaction *forcesub.Interaction) error {
	_, err := m.messenger.SendMessage(ctx, forcesub.SendMessageRequest{
		ChatID:   interaction.ChatID,
		Text:     welcomeText(interaction.FirstName) + "\n\n" + featureText,
		Keyboard: m.featureKeyboard(interaction.UserID),
	})
	if err != nil {
		return fmt.Errorf("start send welcome: %w", err)
	}

	return nil
}

func (m *Module) handleDeepLink(ctx context.Context, interaction *forcesub.Interaction, code string) error {
	link, err := m.links.ResolveLink(ctx, code)
	if errors.Is(err, forcesub.ErrNotFound) {
		return m.reply(ctx, interaction, invalidLink, nil)
	}
	if err != nil {
		return fmt.Errorf("start resolve link: %w", err)
	}

	active := m.gate.ActiveChannels()
	if !m.config.Bool(forcesub.ConfigForceSubEnabled) || len(active) == 0 {
		return m.deliver(ctx, interaction, link)
	}

	subscribed, err := m.gate.IsSubscribedToAll(ctx, interaction.UserID, active)
	if err != nil {
		m.logger.WarnContext(ctx, "membership check failed",
			"user_id", interaction.UserID,
			"channels", len(active),
			"error", err,
		)
		return m.reply(ctx, interaction, checkFailed, nil)
	}
	if subscribed {
		return m.deliver(ctx, interaction, link)
	}

	keyboard, err := m.joinKeyboard(ctx, active, code)
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "user not subscribed", "user_id", interaction.UserID, "code", code)

	return m.reply(ctx, interaction, fmt.Sprintf(notSubscribed, html.EscapeString(displayName(interaction.FirstName))), keyboard)
}

func (m *Module) deliver(ctx context.Context, interaction *forcesub.Interaction, link forcesub.Link) error {
	err := m.messenger.CopyMessages(ctx, forcesub.CopyMessagesRequest{
		FromChatID: link.ChannelID,
		MessageIDs: link.MessageIDs,
		ToChatID:   interaction.ChatID,
		Protect:    m.config.Bool(forcesub.ConfigContentRestricted),
	})
	if err != nil {
		return fmt.Errorf("start deliver link %s: %w", link.Code, err)
	}
	m.logger.InfoContext(ctx, "link delivered",
		"user_id", interaction.UserID,
		"code", link.Code,
		"messages", len(link.MessageIDs),
	)

	return nil
}

// joinKeyboard lists one join button per active channel followed by a retry
// button reopening the same deep link.
func (m *Module) joinKeyboard(ctx context.Context, active []int64, code string) (forcesub.Keyboard, error) {
	channels, err := m.channels.ListChannels(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("start list channels: %w", err)
	}

	gating := make(map[int64]struct{}, len(active))
	for _, id := range active {
		gating[id] = struct{}{}
	}

	keyboard := make(forcesub.Keyboard, 0, len(channels)+1)
	for _, channel := range channels {
		if _, ok := gating[channel.ID]; !ok || channel.InviteLink == "" {
			continue
		}
		label := channel.Placeholder
		if label == "" {
			label = forcesub.DefaultChannelPlaceholder
		}
		keyboard = append(keyboard, []forcesub.Button{forcesub.URLButton(label, channel.InviteLink)})
	}
	if username := m.identity.Username(); username != "" {
		keyboard = append(keyboard, []forcesub.Button{
			forcesub.URLButton(retryButtonText, forcesub.DeepLinkURL(username, code)),
		})
	}

	return keyboard, nil
}

func (m *Module) featureKeyboard(userID int64) forcesub.Keyboard {
	keyboard := forcesub.Keyboard{
		{forcesub.CallbackButton("❓ Help", "help"), forcesub.CallbackButton("🏓 Ping", "ping")},
		{forcesub.CallbackButton("ℹ️ About", "about")},
	}
	if m.admins.IsAdmin(userID) {
		keyboard = append(keyboard, []forcesub.Button{
			forcesub.CallbackButton("⚙️ Variables", "vars"),
			forcesub.CallbackButton("📢 Force Sub", "channel"),
		})
	}

	return keyboard
}

func (m *Module) reply(ctx context.Context, interaction *forcesub.Interaction, text string, keyboard forcesub.Keyboard) error {
	_, err := m.messenger.SendMessage(ctx, forcesub.SendMessageRequest{
		ChatID:           interaction.ChatID,
		Text:             text,
		Keyboard:         keyboard,
		ReplyToMessageID: interaction.MessageID,
	})
	if err != nil {
		return fmt.Errorf("start reply: %w", err)
	}

	return nil
}

func welcomeText(firstName string) string {
	return fmt.Sprintf(welcomeTemplate, html.EscapeString(displayName(firstName)))
}

func displayName(firstName string) string {
	if firstName == "" {
		return "there"
	}

	return firstName
}

var (
	_ forcesub.Module          = (*Module)(nil)
	_ forcesub.ModuleRegistrar = (*Module)(nil)
)
