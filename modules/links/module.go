package links

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/url"

	"forcesub-bot/pkg/forcesub"
)

const shareURLPrefix = "https://t.me/share/url?url="

// Module turns every post in the storage channel into a shareable deep link
// and replies to the post with it.
type Module struct {
	logger    *slog.Logger
	messenger forcesub.Messenger
	links     forcesub.LinkService
	config    forcesub.ConfigService
	identity  forcesub.BotIdentity
}

// New creates a links module.
func New() *Module {
	return &Module{logger: slog.Default()}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "links"
}

// Spec subscribes to stored posts.
func (m *Module) Spec() forcesub.ModuleSpec {
	return forcesub.ModuleSpec{
		Handlers: []forcesub.ModuleHandler{
			{
				Capability: forcesub.Capability{
					Name:        "link-generator",
					Description: "creates deep links for storage channel posts",
					Interest: forcesub.InterestSet{
						Kinds: []forcesub.EventKind{forcesub.EventKindPostStored},
					},
					RequiredServices: []string{
						forcesub.ServiceMessenger,
						forcesub.ServiceLinks,
						forcesub.ServiceConfig,
						forcesub.ServiceBotIdentity,
					},
				},
				Subscription: forcesub.SubscriptionSpec{
					Name:    "links-posts",
					Workers: 2,
				},
				Handler: m.handlePost,
			},
		},
	}
}

// OnRegister resolves dependencies required by this module.
func (m *Module) OnRegister(_ context.Context, runtime forcesub.ModuleRuntime) error {
	services := runtime.Services()

	var err error
	if m.messenger, err = forcesub.ResolveAs[forcesub.Messenger](services, forcesub.ServiceMessenger); err != nil {
		return fmt.Errorf("links resolve messenger: %w", err)
	}
	if m.links, err = forcesub.ResolveAs[forcesub.LinkService](services, forcesub.ServiceLinks); err != nil {
		return fmt.Errorf("links resolve link service: %w", err)
	}
	if m.config, err = forcesub.ResolveAs[forcesub.ConfigService](services, forcesub.ServiceConfig); err != nil {
		return fmt.Errorf("links resolve config: %w", err)
	}
	if m.identity, err = forcesub.ResolveAs[forcesub.BotIdentity](services, forcesub.ServiceBotIdentity); err != nil {
		return fmt.Errorf("links resolve bot identity: %w", err)
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

func (m *Module) handlePost(ctx context.Context, event *forcesub.Event) error {
	if event == nil || event.Kind != forcesub.EventKindPostStored || event.Post == nil {
		return nil
	}
	post := event.Post

	username := m.identity.Username()
	if username == "" {
		return fmt.Errorf("links handle post %d: bot username unknown", post.MessageID)
	}

	restricted := m.config.Bool(forcesub.ConfigContentRestricted)
	link, err := m.links.CreateLink(ctx, post.ChannelID, []int{post.MessageID}, restricted)
	if err != nil {
		return fmt.Errorf("links create link for post %d: %w", post.MessageID, err)
	}

	deepLink := forcesub.DeepLinkURL(username, link.Code)
	keyboard := forcesub.Keyboard{{
		forcesub.URLButton("🔁 Share", shareURLPrefix+url.QueryEscape(deepLink)),
		forcesub.CopyButton("📋 Copy Link", deepLink),
	}}
	_, err = m.messenger.SendMessage(ctx, forcesub.SendMessageRequest{
		ChatID:             post.ChannelID,
		Text:               renderLink(link, deepLink),
		Keyboard:           keyboard,
		DisableLinkPreview: true,
		ReplyToMessageID:   post.MessageID,
	})
	if err != nil {
		return fmt.Errorf("links reply to post %d: %w", post.MessageID, err)
	}
	m.logger.InfoContext(ctx, "link created",
		"code", link.Code,
		"channel_id", post.ChannelID,
		"message_id", post.MessageID,
		"restricted", restricted,
	)

	return nil
}

func renderLink(link forcesub.Link, deepLink string) string {
	protection := "off"
	if link.Restricted {
		protection = "on"
	}

	return fmt.Sprintf(
		"🔗 <b>Link created</b>\n\n<code>%s</code>\n\n🆔 Code: <code>%s</code>\n🛡 Protect content: %s",
		html.EscapeString(deepLink),
		html.EscapeString(link.Code),
		protection,
	)
}

var (
	_ forcesub.Module          = (*Module)(nil)
	_ forcesub.ModuleRegistrar = (*Module)(nil)
)
