package info

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
	pingTrigger  = "ping"
	helpTrigger  = "help"
	aboutTrigger = "about"
	backTrigger  = "start"

	pingCommandName = "ping"
	helpCommandName = "help"

	pongText  = "🏓 Pong!"
	aboutText = "<b>Force Subscribe Bot</b>\n\n" +
		"Admins post files into the storage channel and share the generated links. " +
		"Members receive the content after joining every required channel."
)

// Module answers the informational buttons and commands: ping, help and about.
type Module struct {
	logger         *slog.Logger
	messenger      forcesub.Messenger
	commandCatalog forcesub.CommandCatalog
	clock          func() time.Time
}

// New creates an info module with default configuration.
func New() *Module {
	return &Module{
		logger: slog.Default(),
		clock:  time.Now,
	}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "info"
}

// Spec declares ping/help/about triggers and their slash command twins.
func (m *Module) Spec() forcesub.ModuleSpec {
	return forcesub.ModuleSpec{
		Triggers: []forcesub.TriggerSpec{
			{Trigger: pingTrigger, Match: forcesub.MatchExact, Handler: forcesub.CallbackHandlerFunc(m.handlePing)},
			{Trigger: helpTrigger, Match: forcesub.MatchExact, Handler: forcesub.CallbackHandlerFunc(m.handleHelp)},
			{Trigger: aboutTrigger, Match: forcesub.MatchExact, Handler: forcesub.CallbackHandlerFunc(m.handleAbout)},
		},
		Commands: []forcesub.CommandSpec{
			{
				Name:        pingCommandName,
				Description: "measure bot round-trip latency",
				Handler:     forcesub.CommandHandlerFunc(m.handlePingCommand),
			},
			{
				Name:        helpCommandName,
				Description: "show all available commands",
				Handler:     forcesub.CommandHandlerFunc(m.handleHelpCommand),
			},
		},
		AdditionalCapabilities: []forcesub.Capability{
			{
				Name:        "info-buttons",
				Description: "ping latency, command help and about text",
				RequiredServices: []string{
					forcesub.ServiceMessenger,
					forcesub.ServiceCommandCatalog,
				},
			},
		},
	}
}

// OnRegister resolves dependencies required by this module.
func (m *Module) OnRegister(_ context.Context, runtime forcesub.ModuleRuntime) error {
	messenger, err := forcesub.ResolveAs[forcesub.Messenger](runtime.Services(), forcesub.ServiceMessenger)
	if err != nil {
		return fmt.Errorf("info resolve messenger: %w", err)
	}
	commandCatalog, err := forcesub.ResolveAs[forcesub.CommandCatalog](runtime.Services(), forcesub.ServiceCommandCatalog)
	if err != nil {
		return fmt.Errorf("info resolve command catalog: %w", err)
	}
	if logger, err := forcesub.ResolveAs[*slog.Logger](runtime.Services(), forcesub.ServiceLogger); err == nil && logger != nil {
		m.logger = logger
	}

	m.messenger = messenger
	m.commandCatalog = commandCatalog

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

// handlePing sends a pong and reports the send round trip in the callback answer.
func (m *Module) handlePing(ctx context.Context, event *forcesub.Event, _ string) error {
	interaction := event.Interaction

	started := m.clock()
	_, sendErr := m.messenger.SendMessage(ctx, forcesub.SendMessageRequest{
		ChatID: interaction.ChatID,
		Text:   pongText,
	})
	elapsed := m.clock().Sub(started)

	answer := forcesub.AnswerCallbackRequest{
		QueryID: interaction.QueryID,
		Text:    fmt.Sprintf("⚡ %.2f ms", float64(elapsed.Microseconds())/1000),
	}
	if sendErr != nil {
		m.logger.WarnContext(ctx, "ping send failed", "chat_id", interaction.ChatID, "error", sendErr)
		answer.Text = "❌ Error!"
		answer.Alert = true
	}
	if err := m.messenger.AnswerCallback(ctx, answer); err != nil {
		return fmt.Errorf("info answer ping: %w", err)
	}

	return nil
}

func (m *Module) handlePingCommand(ctx context.Context, event *forcesub.Event, _ forcesub.Command) error {
	interaction := event.Interaction

	started := m.clock()
	if _, err := m.messenger.SendMessage(ctx, forcesub.SendMessageRequest{
		ChatID:           interaction.ChatID,
		Text:             pongText,
		ReplyToMessageID: interaction.MessageID,
	}); err != nil {
		return fmt.Errorf("info send pong: %w", err)
	}
	m.logger.DebugContext(ctx, "pong sent", "elapsed", m.clock().Sub(started))

	return nil
}

func (m *Module) handleHelp(ctx context.Context, event *forcesub.Event, _ string) error {
	body, err := m.renderHelp(ctx)
	if err != nil {
		return err
	}

	return m.editWithBack(ctx, event.Interaction, body)
}

func (m *Module) handleHelpCommand(ctx context.Context, event *forcesub.Event, _ forcesub.Command) error {
	body, err := m.renderHelp(ctx)
	if err != nil {
		return err
	}

	if _, err := m.messenger.SendMessage(ctx, forcesub.SendMessageRequest{
		ChatID:           event.Interaction.ChatID,
		Text:             body,
		ReplyToMessageID: event.Interaction.MessageID,
	}); err != nil {
		return fmt.Errorf("info send help: %w", err)
	}

	return nil
}

func (m *Module) handleAbout(ctx context.Context, event *forcesub.Event, _ string) error {
	return m.editWithBack(ctx, event.Interaction, aboutText)
}

// editWithBack replaces the menu message and answers the query. Edit failures
// are logged so the query is still answered.
func (m *Module) editWithBack(ctx context.Context, interaction *forcesub.Interaction, text string) error {
	err := m.messenger.EditMessage(ctx, forcesub.EditMessageRequest{
		ChatID:    interaction.ChatID,
		MessageID: interaction.MessageID,
		Text:      text,
		Keyboard:  forcesub.Keyboard{{forcesub.CallbackButton("⬅️ Back", backTrigger)}},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "edit info message failed", "chat_id", interaction.ChatID, "error", err)
	}

	if err := m.messenger.AnswerCallback(ctx, forcesub.AnswerCallbackRequest{QueryID: interaction.QueryID}); err != nil {
		return fmt.Errorf("info answer callback: %w", err)
	}

	return nil
}

func (m *Module) renderHelp(ctx context.Context) (string, error) {
	commands, err := m.commandCatalog.ListCommands(ctx)
	if err != nil {
		return "", fmt.Errorf("info list commands: %w", err)
	}

	return renderHelp(commands), nil
}

func renderHelp(commands []forcesub.RegisteredCommand) string {
	lines := []string{"<b>Available commands</b>", ""}
	if len(commands) == 0 {
		return strings.Join(append(lines, "(none)"), "\n")
	}

	sorted := append([]forcesub.RegisteredCommand(nil), commands...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name == sorted[j].Name {
			return sorted[i].ModuleName < sorted[j].ModuleName
		}
		return sorted[i].Name < sorted[j].Name
	})

	for _, command := range sorted {
		line := "/" + html.EscapeString(strings.ToLower(strings.TrimSpace(command.Name)))
		if description := strings.TrimSpace(command.Description); description != "" {
			line += " - " + html.EscapeString(description)
		}
		lines = append(lines, line)
	}
	lines = append(lines, "/cancel - abort the current operation")

	return strings.Join(lines, "\n")
}

var (
	_ forcesub.Module          = (*Module)(nil)
	_ forcesub.ModuleRegistrar = (*Module)(nil)
)
