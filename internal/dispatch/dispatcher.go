// Package dispatch routes interaction events to module handlers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"forcesub-bot/internal/trigger"
	"forcesub-bot/pkg/forcesub"
)

const (
	// CancelCommand aborts any pending multi-step flow.
	CancelCommand = "cancel"

	defaultCancelReply = "Operation cancelled."

	routeCallback     = "callback"
	routeCommand      = "command"
	routeContinuation = "continuation"
	routeCancel       = "cancel"
	routeUnrouted     = "unrouted"
)

// Routes is the immutable routing table built at startup.
type Routes struct {
	Callbacks     *trigger.Registry[forcesub.CallbackHandler]
	Continuations *trigger.Registry[forcesub.ContinuationHandler]
	Commands      map[string]forcesub.CommandHandler
}

// BuildRoutes registers every trigger, continuation and command declared by specs.
// Duplicate triggers, state prefixes and command names are rejected.
func BuildRoutes(specs ...forcesub.ModuleSpec) (Routes, error) {
	callbacks := trigger.NewBuilder[forcesub.CallbackHandler]()
	continuations := trigger.NewBuilder[forcesub.ContinuationHandler]()
	commands := make(map[string]forcesub.CommandHandler)

	for _, spec := range specs {
		for _, declared := range spec.Triggers {
			if err := callbacks.Register(declared.Trigger, declared.Match, declared.Handler); err != nil {
				return Routes{}, fmt.Errorf("build routes: %w", err)
			}
		}
		for _, declared := range spec.Continuations {
			if err := continuations.Register(declared.StatePrefix, forcesub.MatchPrefix, declared.Handler); err != nil {
				return Routes{}, fmt.Errorf("build routes: continuation: %w", err)
			}
		}
		for _, declared := range spec.Commands {
			name := strings.ToLower(strings.TrimPrefix(declared.Name, "/"))
			if name == CancelCommand {
				return Routes{}, fmt.Errorf("build routes: command /%s: %w: reserved", name, forcesub.ErrDuplicateTrigger)
			}
			if _, exists := commands[name]; exists {
				return Routes{}, fmt.Errorf("build routes: command /%s: %w", name, forcesub.ErrDuplicateTrigger)
			}
			commands[name] = declared.Handler
		}
	}

	return Routes{
		Callbacks:     callbacks.Build(),
		Continuations: continuations.Build(),
		Commands:      commands,
	}, nil
}

// Dispatcher is the entry point for callback queries and private messages.
type Dispatcher struct {
	routes      Routes
	state       forcesub.StateStore
	messenger   forcesub.Messenger
	logger      *slog.Logger
	metrics     *Metrics
	cancelReply string
}

// Option mutates Dispatcher construction.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(dispatcher *Dispatcher) {
		if logger != nil {
			dispatcher.logger = logger
		}
	}
}

// WithMetrics enables routing counters.
func WithMetrics(metrics *Metrics) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.metrics = metrics
	}
}

// WithCancelReply overrides the confirmation sent after /cancel.
func WithCancelReply(text string) Option {
	return func(dispatcher *Dispatcher) {
		if strings.TrimSpace(text) != "" {
			dispatcher.cancelReply = text
		}
	}
}

// New creates a dispatcher over routes.
func New(routes Routes, state forcesub.StateStore, messenger forcesub.Messenger, options ...Option) *Dispatcher {
	dispatcher := &Dispatcher{
		routes:      routes,
		state:       state,
		messenger:   messenger,
		logger:      slog.Default(),
		cancelReply: defaultCancelReply,
	}
	for _, option := range options {
		option(dispatcher)
	}

	return dispatcher
}

// Kinds lists the event kinds the dispatcher consumes.
func Kinds() []forcesub.EventKind {
	return []forcesub.EventKind{
		forcesub.EventKindCallbackQuery,
		forcesub.EventKindPrivateMessage,
	}
}

// OnEvent routes one interaction event.
func (d *Dispatcher) OnEvent(ctx context.Context, event *forcesub.Event) error {
	if event == nil {
		return fmt.Errorf("dispatch: nil event")
	}
	if event.Interaction == nil {
		return fmt.Errorf("dispatch %s: %w: missing interaction", event.Kind, forcesub.ErrInvalidEvent)
	}

	switch event.Kind {
	case forcesub.EventKindCallbackQuery:
		return d.dispatchCallback(ctx, event)
	case forcesub.EventKindPrivateMessage:
		return d.dispatchMessage(ctx, event)
	default:
		return nil
	}
}

func (d *Dispatcher) dispatchCallback(ctx context.Context, event *forcesub.Event) error {
	payload := forcesub.CallbackPayload(event)
	handler, ok := d.routes.Callbacks.Resolve(payload)
	if !ok {
		d.metrics.observe(string(event.Kind), routeUnrouted)
		d.logger.DebugContext(ctx, "callback without handler",
			"payload", payload,
			"user_id", event.Interaction.UserID,
		)
		return d.acknowledge(ctx, event)
	}

	d.metrics.observe(string(event.Kind), routeCallback)
	if err := handler.HandleCallback(ctx, event, payload); err != nil {
		return fmt.Errorf("dispatch callback %q: %w", payload, err)
	}

	return nil
}

func (d *Dispatcher) dispatchMessage(ctx context.Context, event *forcesub.Event) error {
	interaction := event.Interaction

	if command, ok := forcesub.ParseCommand(interaction.Text); ok {
		if command.Name == CancelCommand {
			d.metrics.observe(string(event.Kind), routeCancel)
			return d.cancel(ctx, event)
		}
		if handler, exists := d.routes.Commands[command.Name]; exists {
			d.metrics.observe(string(event.Kind), routeCommand)
			if err := handler.HandleCommand(ctx, event, command); err != nil {
				return fmt.Errorf("dispatch command /%s: %w", command.Name, err)
			}
			return nil
		}
	}

	token, pending := d.state.GetState(interaction.UserID)
	if !pending {
		d.metrics.observe(string(event.Kind), routeUnrouted)
		return nil
	}

	handler, ok := d.routes.Continuations.Resolve(token)
	if !ok {
		d.metrics.observe(string(event.Kind), routeUnrouted)
		d.logger.WarnContext(ctx, "pending state without continuation",
			"user_id", interaction.UserID,
			"token", token,
		)
		return nil
	}

	d.metrics.observe(string(event.Kind), routeContinuation)
	if err := handler.HandleContinuation(ctx, event, token); err != nil {
		return fmt.Errorf("dispatch continuation %q: %w", token, err)
	}

	return nil
}

func (d *Dispatcher) cancel(ctx context.Context, event *forcesub.Event) error {
	d.state.ClearState(event.Interaction.UserID)
	if d.messenger == nil {
		return nil
	}

	_, err := d.messenger.SendMessage(ctx, forcesub.SendMessageRequest{
		ChatID:           event.Interaction.ChatID,
		Text:             d.cancelReply,
		ReplyToMessageID: event.Interaction.MessageID,
	})
	if err != nil {
		return fmt.Errorf("dispatch cancel reply: %w", err)
	}

	return nil
}

// acknowledge answers an unrouted callback so the client stops its spinner.
func (d *Dispatcher) acknowledge(ctx context.Context, event *forcesub.Event) error {
	if d.messenger == nil || event.Interaction.QueryID == 0 {
		return nil
	}

	err := d.messenger.AnswerCallback(ctx, forcesub.AnswerCallbackRequest{QueryID: event.Interaction.QueryID})
	if err == nil {
		return nil
	}
	if _, ok := forcesub.AsOutboundError(err); ok || errors.Is(err, context.DeadlineExceeded) {
		d.logger.WarnContext(ctx, "acknowledge unrouted callback failed", "error", err)
		return nil
	}

	return fmt.Errorf("acknowledge callback: %w", err)
}
