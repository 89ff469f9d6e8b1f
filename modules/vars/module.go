// Package vars implements the admin variables menu: browse config keys and
// edit their values through a two-step conversation.
package vars

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"
	"time"

	"forcesub-bot/pkg/forcesub"
)

const (
	menuTrigger     = "vars"
	modeViewPayload = "vars_mode_view"
	modeEditPayload = "vars_mode_edit"
	viewPrefix      = "vars_view_"
	editPrefix      = "vars_edit_"

	// EditStatePrefix marks a pending value edit; the config key follows the prefix.
	EditStatePrefix = "EDIT_VAR:"

	maxCallbackData = 64

	adminOnlyText = "⛔ Admins only."
	menuText      = "⚙️ <b>Variables</b>\n\nChoose whether to view or edit a value."
	emptyValue    = "⚠️ The value cannot be empty. Send a new value or /cancel."
)

// Publisher submits domain events to the kernel bus.
type Publisher interface {
	Publish(ctx context.Context, event *forcesub.Event) error
}

// Module serves the "vars" admin menu.
type Module struct {
	logger    *slog.Logger
	messenger forcesub.Messenger
	config    forcesub.ConfigService
	admins    forcesub.AdminDirectory
	state     forcesub.StateStore
	publisher Publisher
}

// New creates a vars module.
func New() *Module {
	return &Module{logger: slog.Default()}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "vars"
}

// Spec declares the vars prefix trigger and the value-edit continuation.
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
			{
				StatePrefix: EditStatePrefix,
				Handler:     forcesub.ContinuationHandlerFunc(m.handleEditValue),
			},
		},
		AdditionalCapabilities: []forcesub.Capability{
			{
				Name:        "vars-admin-menu",
				Description: "view and edit bot variables",
				RequiredServices: []string{
					forcesub.ServiceMessenger,
					forcesub.ServiceConfig,
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
		return fmt.Errorf("vars resolve messenger: %w", err)
	}
	if m.config, err = forcesub.ResolveAs[forcesub.ConfigService](services, forcesub.ServiceConfig); err != nil {
		return fmt.Errorf("vars resolve config: %w", err)
	}
	if m.admins, err = forcesub.ResolveAs[forcesub.AdminDirectory](services, forcesub.ServiceAdmins); err != nil {
		return fmt.Errorf("vars resolve admin directory: %w", err)
	}
	if m.state, err = forcesub.ResolveAs[forcesub.StateStore](services, forcesub.ServiceUserState); err != nil {
		return fmt.Errorf("vars resolve user state: %w", err)
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

func (m *Module) handleCallback(ctx context.Context, event *forcesub.Event, payload string) error {
	interaction := event.Interaction
	if !m.admins.IsAdmin(interaction.UserID) {
		return m.answer(ctx, interaction, adminOnlyText, true)
	}

	switch {
	case payload == menuTrigger:
		m.edit(ctx, interaction, menuText, forcesub.Keyboard{
			{forcesub.CallbackButton("👁 View", modeViewPayload), forcesub.CallbackButton("✏️ Edit", modeEditPayload)},
			{forcesub.CallbackButton("⬅️ Back", "start")},
		})
	case payload == modeViewPayload:
		m.edit(ctx, interaction, "👁 <b>Select a variable to view</b>", m.keyKeyboard(ctx, viewPrefix))
	case payload == modeEditPayload:
		m.edit(ctx, interaction, "✏️ <b>Select a variable to edit</b>", m.keyKeyboard(ctx, editPrefix))
	case strings.HasPrefix(payload, viewPrefix):
		key := strings.TrimPrefix(payload, viewPrefix)
		value, ok := m.config.Get(key)
		if !ok {
			return m.answer(ctx, interaction, "Variable not found.", true)
		}
		m.edit(ctx, interaction,
			fmt.Sprintf("<b>%s</b>\n\n<code>%s</code>", html.EscapeString(key), html.EscapeString(value)),
			forcesub.Keyboard{{forcesub.CallbackButton("⬅️ Back", modeViewPayload)}},
		)
	case strings.HasPrefix(payload, editPrefix):
		return m.beginEdit(ctx, interaction, strings.TrimPrefix(payload, editPrefix))
	}

	return m.answer(ctx, interaction, "", false)
}

func (m *Module) beginEdit(ctx context.Context, interaction *forcesub.Interaction, key string) error {
	current, ok := m.config.Get(key)
	if !ok {
		return m.answer(ctx, interaction, "Variable not found.", true)
	}

	m.state.SetState(interaction.UserID, EditStatePrefix+key)
	_, err := m.messenger.SendMessage(ctx, forcesub.SendMessageRequest{
		ChatID: interaction.ChatID,
		Text: fmt.Sprintf(
			"✏️ Send the new value for <b>%s</b>.\nCurrent: <code>%s</code>\n\n/cancel to abort.",
			html.EscapeString(key),
			html.EscapeString(current),
		),
	})
	if err != nil {
		m.state.ClearState(interaction.UserID)
		m.logger.WarnContext(ctx, "send edit prompt failed", "key", key, "error", err)
	}

	return m.answer(ctx, interaction, "", false)
}

// handleEditValue stores the value typed after an edit prompt. Failed writes
// keep the pending state so the admin can retry.
func (m *Module) handleEditValue(ctx context.Context, event *forcesub.Event, token string) error {
	interaction := event.Interaction
	if !m.admins.IsAdmin(interaction.UserID) {
		m.state.ClearState(interaction.UserID)
		return nil
	}

	key := strings.TrimPrefix(token, EditStatePrefix)
	value := strings.TrimSpace(interaction.Text)
	if value == "" {
		return m.reply(ctx, interaction, emptyValue, nil)
	}

	if err := m.config.Set(ctx, key, value); err != nil {
		m.logger.ErrorContext(ctx, "config write failed", "key", key, "error", err)
		return m.reply(ctx, interaction, fmt.Sprintf("❌ Could not save <b>%s</b>: %s", html.EscapeString(key), html.EscapeString(err.Error())), nil)
	}
	m.state.ClearState(interaction.UserID)

	changed := forcesub.NewEvent(forcesub.EventKindConfigChanged, time.Now())
	changed.Config = &forcesub.ConfigChange{Key: key, Value: value}
	if err := m.publisher.Publish(ctx, changed); err != nil {
		m.logger.WarnContext(ctx, "publish config change failed", "key", key, "error", err)
	}
	m.logger.InfoContext(ctx, "variable updated", "key", key, "admin_id", interaction.UserID)

	return m.reply(ctx, interaction,
		fmt.Sprintf("✅ <b>%s</b> updated to <code>%s</code>.", html.EscapeString(key), html.EscapeString(value)),
		forcesub.Keyboard{{forcesub.CallbackButton("⬅️ Back", menuTrigger)}},
	)
}

// keyKeyboard lists config keys one per row. Keys whose payload would exceed
// Telegram's callback data limit are skipped.
func (m *Module) keyKeyboard(ctx context.Context, prefix string) forcesub.Keyboard {
	keys := m.config.Keys()
	sort.Strings(keys)

	keyboard := make(forcesub.Keyboard, 0, len(keys)+1)
	for _, key := range keys {
		data := prefix + key
		if len(data) > maxCallbackData {
			m.logger.WarnContext(ctx, "variable key too long for button", "key", key)
			continue
		}
		keyboard = append(keyboard, []forcesub.Button{forcesub.CallbackButton(key, data)})
	}

	return append(keyboard, []forcesub.Button{forcesub.CallbackButton("⬅️ Back", menuTrigger)})
}

func (m *Module) edit(ctx context.Context, interaction *forcesub.Interaction, text string, keyboard forcesub.Keyboard) {
	err := m.messenger.EditMessage(ctx, forcesub.EditMessageRequest{
		ChatID:    interaction.ChatID,
		MessageID: interaction.MessageID,
		Text:      text,
		Keyboard:  keyboard,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "edit vars message failed", "chat_id", interaction.ChatID, "error", err)
	}
}

func (m *Module) answer(ctx context.Context, interaction *forcesub.Interaction, text string, alert bool) error {
	err := m.messenger.AnswerCallback(ctx, forcesub.AnswerCallbackRequest{
		QueryID: interaction.QueryID,
		Text:    text,
		Alert:   alert,
	})
	if err != nil {
		return fmt.Errorf("vars answer callback: %w", err)
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
		return fmt.Errorf("vars reply: %w", err)
	}

	return nil
}

var (
	_ forcesub.Module          = (*Module)(nil)
	_ forcesub.ModuleRegistrar = (*Module)(nil)
)
