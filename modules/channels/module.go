// Package channels implements the admin menu that manages gating channels.
package channels

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"forcesub-bot/pkg/forcesub"
)

const (
	menuTrigger          = "channel"
	addPayload           = "channel_add"
	viewPrefix           = "channel_view_"
	editPrefix           = "channel_edit_"
	togglePrefix         = "channel_toggle_"
	deletePrefix         = "channel_delete_"
	deleteConfirmPrefix  = "channel_delete_confirm_"
	minBotAPIChannelID   = -1000000000000
	adminOnlyText        = "⛔ Admins only."
	channelNotFoundText  = "Channel not found."
	emptyPlaceholderText = "⚠️ The placeholder cannot be empty. Send a new one or /cancel."
)

// State tokens of the two conversational flows.
const (
	AddStatePrefix  = "ADD_CHANNEL"
	EditStatePrefix = "EDIT_CHANNEL:"
)

// Publisher submits domain events to the kernel bus.
type Publisher interface {
	Publish(ctx context.Context, event *forcesub.Event) error
}

// Module serves the "channel" admin menu.
type Module struct {
	logger    *slog.Logger
	messenger forcesub.Messenger
	channels  forcesub.ChannelStore
	inspector forcesub.ChannelInspector
	admins    forcesub.AdminDirectory
	state     forcesub.StateStore
	publisher Publisher
}

// New creates a channels module.
func New() *Module {
	return &Module{logger: slog.Default()}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "channels"
}

// Spec declares the channel prefix trigger and the add/edit continuations.
func (m *Module) Spec() forcesub.ModuleSpec {
	return forcesub.ModuleSpec{
		Triggers: []forcesub.TriggerSpec{
			{
				Trigger: menuTrigger,
				Match:   forcesub.MatchPrefix,
				Handler: forcesub.CallbackHandlerFunc(m.handleCallback),
			},
		},
		Continuations: []forcesub.ContinuationSpec{
			{StatePrefix: AddStatePrefix, Handler: forcesub.ContinuationHandlerFunc(m.handleAddChannel)},
			{StatePrefix: EditStatePrefix, Handler: forcesub.ContinuationHandlerFunc(m.handleEditPlaceholder)},
		},
		AdditionalCapabilities: []forcesub.Capability{
			{
				Name:        "channel-admin-menu",
				Description: "add, edit, toggle and remove gating channels",
				RequiredServices: []string{
					forcesub.ServiceMessenger,
					forcesub.ServiceChannels,
					forcesub.ServiceChannelInspector,
					forcesub.ServiceAdmins,
					forcesub.ServiceUserState,
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
		return fmt.Errorf("channels resolve messenger: %w", err)
	}
	if m.channels, err = forcesub.ResolveAs[forcesub.ChannelStore](services, forcesub.ServiceChannels); err != nil {
		return fmt.Errorf("channels resolve channel store: %w", err)
	}
	if m.inspector, err = forcesub.ResolveAs[forcesub.ChannelInspector](services, forcesub.ServiceChannelInspector); err != nil {
		return fmt.Errorf("channels resolve inspector: %w", err)
	}
	if m.admins, err = forcesub.ResolveAs[forcesub.AdminDirectory](services, forcesub.ServiceAdmins); err != nil {
		return fmt.Errorf("channels resolve admin directory: %w", err)
	}
	if m.state, err = forcesub.ResolveAs[forcesub.StateStore](services, forcesub.ServiceUserState); err != nil {
		return fmt.Errorf("channels resolve user state: %w", err)
	}
	if logger, err := forcesub.ResolveAs[*slog.Logger](services, forcesub.ServiceLogger); err == nil && logger != nil {
		m.logger = logger
	}
	m.publisher = runtime

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

// handleCallback routes every "channel*" payload. Longer prefixes are matched
// first because "channel_delete_confirm_" extends "channel_delete_".
func (m *Module) handleCallback(ctx context.Context, event *forcesub.Event, payload string) error {
	interaction := event.Interaction
	if !m.admins.IsAdmin(interaction.UserID) {
		return m.answer(ctx, interaction, adminOnlyText, true)
	}

	var err error
	switch {
	case payload == menuTrigger:
		err = m.showList(ctx, interaction)
	case payload == addPayload:
		err = m.beginAdd(ctx, interaction)
	case strings.HasPrefix(payload, viewPrefix):
		err = m.withChannel(ctx, interaction, strings.TrimPrefix(payload, viewPrefix), m.showChannel)
	case strings.HasPrefix(payload, editPrefix):
		err = m.withChannel(ctx, interaction, strings.TrimPrefix(payload, editPrefix), m.beginEdit)
	case strings.HasPrefix(payload, togglePrefix):
		err = m.withChannel(ctx, interaction, strings.TrimPrefix(payload, togglePrefix), m.toggle)
	case strings.HasPrefix(payload, deleteConfirmPrefix):
		err = m.withChannel(ctx, interaction, strings.TrimPrefix(payload, deleteConfirmPrefix), m.delete)
	case strings.HasPrefix(payload, deletePrefix):
		err = m.withChannel(ctx, interaction, strings.TrimPrefix(payload, deletePrefix), m.confirmDelete)
	}
	if errors.Is(err, forcesub.ErrNotFound) {
		return m.answer(ctx, interaction, channelNotFoundText, true)
	}
	if err != nil {
		answerErr := m.answer(ctx, interaction, "❌ Something went wrong.", true)
		return errors.Join(fmt.Errorf("channels %s: %w", payload, err), answerErr)
	}

	return m.answer(ctx, interaction, "", false)
}

func (m *Module) withChannel(
	ctx context.Context,
	interaction *forcesub.Interaction,
	rawID string,
	next func(context.Context, *forcesub.Interaction, forcesub.Channel) error,
) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse channel id %q: %w", rawID, forcesub.ErrNotFound)
	}
	channel, err := m.channels.GetChannel(ctx, id)
	if err != nil {
		return fmt.Errorf("get channel %d: %w", id, err)
	}

	return next(ctx, interaction, channel)
}

func (m *Module) showList(ctx context.Context, interaction *forcesub.Interaction) error {
	channels, err := m.channels.ListChannels(ctx, false)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}

	var text strings.Builder
	text.WriteString("📢 <b>Force Sub Channels</b>\n\n")
	keyboard := make(forcesub.Keyboard, 0, len(channels)+2)
	if len(channels) == 0 {
		text.WriteString("No channels yet.")
	}
	for idx, channel := range channels {
		fmt.Fprintf(&text, "%d. %s <b>%s</b> (%s)\n",
			idx+1, statusIcon(channel.Active), html.EscapeString(channel.Placeholder), html.EscapeString(channel.Name))
		keyboard = append(keyboard, []forcesub.Button{
			forcesub.CallbackButton("📌 "+channel.Placeholder, viewPrefix+formatID(channel.ID)),
		})
	}
	keyboard = append(keyboard,
		[]forcesub.Button{forcesub.CallbackButton("➕ Add Channel", addPayload)},
		[]forcesub.Button{forcesub.CallbackButton("⬅️ Back", "start")},
	)

	m.edit(ctx, interaction, text.String(), keyboard)
	return nil
}

func (m *Module) showChannel(ctx context.Context, interaction *forcesub.Interaction, channel forcesub.Channel) error {
	id := formatID(channel.ID)
	toggleLabel := "⏸ Deactivate"
	if !channel.Active {
		toggleLabel = "▶️ Activate"
	}

	m.edit(ctx, interaction, renderChannel(channel), forcesub.Keyboard{
		{forcesub.CallbackButton("✏️ Edit", editPrefix+id), forcesub.CallbackButton(toggleLabel, togglePrefix+id)},
		{forcesub.CallbackButton("🗑 Delete", deletePrefix+id)},
		{forcesub.CallbackButton("⬅️ Back", menuTrigger)},
	})
	return nil
}

func (m *Module) beginAdd(ctx context.Context, interaction *forcesub.Interaction) error {
	m.state.SetState(interaction.UserID, AddStatePrefix)

	return m.prompt(ctx, interaction,
		"➕ Send the channel id (for example <code>-1001234567890</code>).\n"+
			"The bot must be an admin there with invite, edit info and delete rights.\n\n/cancel to abort.")
}

func (m *Module) beginEdit(ctx context.Context, interaction *forcesub.Interaction, channel forcesub.Channel) error {
	m.state.SetState(interaction.UserID, EditStatePrefix+formatID(channel.ID))

	return m.prompt(ctx, interaction, fmt.Sprintf(
		"✏️ Current placeholder: <b>%s</b>\nSend the new placeholder for this channel.\n\n/cancel to abort.",
		html.EscapeString(channel.Placeholder),
	))
}

func (m *Module) toggle(ctx context.Context, interaction *forcesub.Interaction, channel forcesub.Channel) error {
	channel.Active = !channel.Active
	if err := m.channels.SaveChannel(ctx, channel); err != nil {
		return fmt.Errorf("save channel %d: %w", channel.ID, err)
	}
	m.publishChannel(ctx, channel)

	return m.showChannel(ctx, interaction, channel)
}

func (m *Module) confirmDelete(ctx context.Context, interaction *forcesub.Interaction, channel forcesub.Channel) error {
	id := formatID(channel.ID)
	m.edit(ctx, interaction,
		fmt.Sprintf("🗑 Remove <b>%s</b> from force sub?", html.EscapeString(channel.Placeholder)),
		forcesub.Keyboard{{
			forcesub.CallbackButton("✅ Yes, delete", deleteConfirmPrefix+id),
			forcesub.CallbackButton("❌ Cancel", viewPrefix+id),
		}},
	)
	return nil
}

func (m *Module) delete(ctx context.Context, interaction *forcesub.Interaction, channel forcesub.Channel) error {
	if err := m.channels.DeleteChannel(ctx, channel.ID); err != nil {
		return fmt.Errorf("delete channel %d: %w", channel.ID, err)
	}
	channel.Active = false
	m.publishChannel(ctx, channel)
	m.logger.InfoContext(ctx, "channel removed", "channel_id", channel.ID, "admin_id", interaction.UserID)

	m.edit(ctx, interaction,
		fmt.Sprintf("✅ <b>%s</b> removed.", html.EscapeString(channel.Placeholder)),
		forcesub.Keyboard{{forcesub.CallbackButton("⬅️ Back", menuTrigger)}},
	)
	return nil
}

// handleAddChannel validates the typed id, checks the bot's rights and
// registers the channel as active.
func (m *Module) handleAddChannel(ctx context.Context, event *forcesub.Event, _ string) error {
	interaction := event.Interaction
	if !m.admins.IsAdmin(interaction.UserID) {
		m.state.ClearState(interaction.UserID)
		return nil
	}

	id, err := strconv.ParseInt(strings.TrimSpace(interaction.Text), 10, 64)
	if err != nil || id > minBotAPIChannelID {
		return m.reply(ctx, interaction, "⚠️ That is not a channel id. It should look like <code>-1001234567890</code>. Try again or /cancel.", nil)
	}

	if _, err := m.channels.GetChannel(ctx, id); err == nil {
		m.state.ClearState(interaction.UserID)
		return m.reply(ctx, interaction, "ℹ️ This channel is already registered.", viewKeyboard(id))
	} else if !errors.Is(err, forcesub.ErrNotFound) {
		return fmt.Errorf("channels lookup %d: %w", id, err)
	}

	if err := m.reply(ctx, interaction, "🔍 Checking bot permissions…", nil); err != nil {
		return err
	}

	info, err := m.inspector.InspectChannel(ctx, id)
	m.state.ClearState(interaction.UserID)
	if err != nil {
		m.logger.WarnContext(ctx, "inspect channel failed", "channel_id", id, "error", err)
		return m.reply(ctx, interaction, "❌ Could not access the channel. Make sure the bot is an admin there.", nil)
	}
	if len(info.MissingRights) > 0 {
		return m.reply(ctx, interaction, fmt.Sprintf(
			"❌ The bot is missing admin rights: <code>%s</code>", strings.Join(info.MissingRights, ", "),
		), nil)
	}
	if info.InviteLink == "" {
		return m.reply(ctx, interaction, "❌ Could not create an invite link for the channel.", nil)
	}

	channel := forcesub.Channel{
		ID:          id,
		Name:        info.Title,
		InviteLink:  info.InviteLink,
		Placeholder: forcesub.DefaultChannelPlaceholder,
		Active:      true,
	}
	if err := m.channels.SaveChannel(ctx, channel); err != nil {
		m.logger.ErrorContext(ctx, "save channel failed", "channel_id", id, "error", err)
		return m.reply(ctx, interaction, "❌ Could not save the channel.", nil)
	}
	m.publishChannel(ctx, channel)
	m.logger.InfoContext(ctx, "channel added", "channel_id", id, "admin_id", interaction.UserID)

	return m.reply(ctx, interaction, "✅ Channel added.\n\n"+renderChannel(channel), viewKeyboard(id))
}

func (m *Module) handleEditPlaceholder(ctx context.Context, event *forcesub.Event, token string) error {
	interaction := event.Interaction
	if !m.admins.IsAdmin(interaction.UserID) {
		m.state.ClearState(interaction.UserID)
		return nil
	}

	id, err := strconv.ParseInt(strings.TrimPrefix(token, EditStatePrefix), 10, 64)
	if err != nil {
		m.state.ClearState(interaction.UserID)
		return fmt.Errorf("channels parse state %q: %w", token, err)
	}
	placeholder := strings.TrimSpace(interaction.Text)
	if placeholder == "" {
		return m.reply(ctx, interaction, emptyPlaceholderText, nil)
	}

	channel, err := m.channels.GetChannel(ctx, id)
	if errors.Is(err, forcesub.ErrNotFound) {
		m.state.ClearState(interaction.UserID)
		return m.reply(ctx, interaction, channelNotFoundText, nil)
	}
	if err != nil {
		return fmt.Errorf("channels get %d: %w", id, err)
	}

	channel.Placeholder = placeholder
	if err := m.channels.SaveChannel(ctx, channel); err != nil {
		m.logger.ErrorContext(ctx, "save channel failed", "channel_id", id, "error", err)
		return m.reply(ctx, interaction, "❌ Could not save the placeholder. Try again or /cancel.", nil)
	}
	m.state.ClearState(interaction.UserID)
	m.publishChannel(ctx, channel)

	return m.reply(ctx, interaction,
		fmt.Sprintf("✅ Placeholder updated to <b>%s</b>.", html.EscapeString(placeholder)),
		viewKeyboard(id),
	)
}

func (m *Module) publishChannel(ctx context.Context, channel forcesub.Channel) {
	changed := forcesub.NewEvent(forcesub.EventKindChannelChanged, time.Now())
	changed.Channel = &forcesub.ChannelChange{
		ChannelID:   channel.ID,
		InviteLink:  channel.InviteLink,
		Placeholder: channel.Placeholder,
		Active:      channel.Active,
	}
	if err := m.publisher.Publish(ctx, changed); err != nil {
		m.logger.WarnContext(ctx, "publish channel change failed", "channel_id", channel.ID, "error", err)
	}
}

func (m *Module) prompt(ctx context.Context, interaction *forcesub.Interaction, text string) error {
	if _, err := m.messenger.SendMessage(ctx, forcesub.SendMessageRequest{ChatID: interaction.ChatID, Text: text}); err != nil {
		m.state.ClearState(interaction.UserID)
		return fmt.Errorf("send prompt: %w", err)
	}

	return nil
}

func (m *Module) edit(ctx context.Context, interaction *forcesub.Interaction, text string, keyboard forcesub.Keyboard) {
	err := m.messenger.EditMessage(ctx, forcesub.EditMessageRequest{
		ChatID:    interaction.ChatID,
		MessageID: interaction.MessageID,
		Text:      text,
		Keyboard:  keyboard,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "edit channel menu failed", "chat_id", interaction.ChatID, "error", err)
	}
}

func (m *Module) answer(ctx context.Context, interaction *forcesub.Interaction, text string, alert bool) error {
	err := m.messenger.AnswerCallback(ctx, forcesub.AnswerCallbackRequest{
		QueryID: interaction.QueryID,
		Text:    text,
		Alert:   alert,
	})
	if err != nil {
		return fmt.Errorf("channels answer callback: %w", err)
	}

	return nil
}

func (m *Module) reply(ctx context.Context, interaction *forcesub.Interaction, text string, keyboard forcesub.Keyboard) error {
	_, err := m.messenger.SendMessage(ctx, forcesub.SendMessageRequest{
		ChatID:           interaction.ChatID,
		Text:             text,
		Keyboard:         keyboard,
		ReplyToMessageID: interaction.MessageID,
	})
	if err != nil {
		return fmt.Errorf("channels reply: %w", err)
	}

	return nil
}

func renderChannel(channel forcesub.Channel) string {
	status := "inactive"
	if channel.Active {
		status = "active"
	}

	return fmt.Sprintf(
		"📢 <b>%s</b>\n🆔 <code>%d</code>\n🔗 %s\n📌 <b>Placeholder:</b> %s\n%s <b>Status:</b> %s",
		html.EscapeString(channel.Name),
		channel.ID,
		html.EscapeString(channel.InviteLink),
		html.EscapeString(channel.Placeholder),
		statusIcon(channel.Active),
		status,
	)
}

func viewKeyboard(id int64) forcesub.Keyboard {
	return forcesub.Keyboard{{forcesub.CallbackButton("📢 View Channel", viewPrefix+formatID(id))}}
}

func statusIcon(active bool) string {
	if active {
		return "✅"
	}

	return "⏸"
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

var (
	_ forcesub.Module          = (*Module)(nil)
	_ forcesub.ModuleRegistrar = (*Module)(nil)
)
