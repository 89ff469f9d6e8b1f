package forcesub

import (
	"context"
	"fmt"
)

// MatchKind selects how a trigger is compared against a callback payload.
type MatchKind string

const (
	// MatchExact requires payload == trigger.
	MatchExact MatchKind = "exact"
	// MatchPrefix requires strings.HasPrefix(payload, trigger).
	MatchPrefix MatchKind = "prefix"
)

// CallbackHandler processes callback queries routed by trigger.
//
// Implementations answer the callback query exactly once.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, event *Event, payload string) error
}

// ContinuationHandler processes free-text input for a pending multi-step flow.
type ContinuationHandler interface {
	HandleContinuation(ctx context.Context, event *Event, token string) error
}

// CommandHandler processes a slash command sent in a private chat.
type CommandHandler interface {
	HandleCommand(ctx context.Context, event *Event, command Command) error
}

// CallbackHandlerFunc adapts a function to CallbackHandler.
type CallbackHandlerFunc func(ctx context.Context, event *Event, payload string) error

// HandleCallback calls f.
func (f CallbackHandlerFunc) HandleCallback(ctx context.Context, event *Event, payload string) error {
	return f(ctx, event, payload)
}

// ContinuationHandlerFunc adapts a function to ContinuationHandler.
type ContinuationHandlerFunc func(ctx context.Context, event *Event, token string) error

// HandleContinuation calls f.
func (f ContinuationHandlerFunc) HandleContinuation(ctx context.Context, event *Event, token string) error {
	return f(ctx, event, token)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, event *Event, command Command) error

// HandleCommand calls f.
func (f CommandHandlerFunc) HandleCommand(ctx context.Context, event *Event, command Command) error {
	return f(ctx, event, command)
}

// TriggerSpec binds a callback trigger to a handler.
type TriggerSpec struct {
	Trigger string
	Match   MatchKind
	Handler CallbackHandler
}

// ContinuationSpec routes pending user-state tokens starting with StatePrefix.
type ContinuationSpec struct {
	StatePrefix string
	Handler     ContinuationHandler
}

// CommandSpec binds a slash command name (without the slash) to a handler.
type CommandSpec struct {
	Name        string
	Description string
	Handler     CommandHandler
}

// Capability describes what a module subscribes to and which services it needs.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
}

// ModuleHandler declares one bus subscription owned by a module.
type ModuleHandler struct {
	Capability   Capability
	Subscription SubscriptionSpec
	Handler      EventHandler
}

// ModuleSpec is the declarative registration surface of a module.
type ModuleSpec struct {
	Handlers               []ModuleHandler
	Triggers               []TriggerSpec
	Continuations          []ContinuationSpec
	Commands               []CommandSpec
	AdditionalCapabilities []Capability
}

// Capabilities returns handler capabilities followed by additional ones.
func (s ModuleSpec) Capabilities() []Capability {
	capabilities := make([]Capability, 0, len(s.Handlers)+len(s.AdditionalCapabilities))
	for _, handler := range s.Handlers {
		capabilities = append(capabilities, handler.Capability)
	}
	capabilities = append(capabilities, s.AdditionalCapabilities...)

	return capabilities
}

// Validate checks that declared triggers, continuations and commands are usable.
func (s ModuleSpec) Validate() error {
	for idx, trigger := range s.Triggers {
		if trigger.Trigger == "" {
			return fmt.Errorf("trigger %d: %w: empty trigger", idx, ErrInvalidTrigger)
		}
		if trigger.Match != MatchExact && trigger.Match != MatchPrefix {
			return fmt.Errorf("trigger %s: %w: match kind %q", trigger.Trigger, ErrInvalidTrigger, trigger.Match)
		}
		if trigger.Handler == nil {
			return fmt.Errorf("trigger %s: nil handler", trigger.Trigger)
		}
	}
	for idx, continuation := range s.Continuations {
		if continuation.StatePrefix == "" {
			return fmt.Errorf("continuation %d: empty state prefix", idx)
		}
		if continuation.Handler == nil {
			return fmt.Errorf("continuation %s: nil handler", continuation.StatePrefix)
		}
	}
	for idx, command := range s.Commands {
		if command.Name == "" {
			return fmt.Errorf("command %d: empty name", idx)
		}
		if command.Handler == nil {
			return fmt.Errorf("command %s: nil handler", command.Name)
		}
	}

	return nil
}

// ModuleRuntime provides kernel facilities to modules during registration.
type ModuleRuntime interface {
	// Services exposes the service registry for dependency lookup.
	Services() ServiceRegistry
	// Subscribe registers an asynchronous event handler owned by the module.
	Subscribe(ctx context.Context, interest InterestSet, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
	// Publish submits a domain event to the bus.
	Publish(ctx context.Context, event *Event) error
}

// Module is a lifecycle-aware plugin contract.
//
// Handlers can run on multiple workers, so modules must be concurrency-safe.
type Module interface {
	// Name returns a stable module identifier.
	Name() string
	// Spec returns declarative handlers, triggers, continuations and commands.
	Spec() ModuleSpec
	// OnStart is called when the kernel begins runtime execution.
	OnStart(ctx context.Context) error
	// OnShutdown is called during orderly shutdown.
	OnShutdown(ctx context.Context) error
}

// ModuleRegistrar is implemented by modules that resolve services at registration.
type ModuleRegistrar interface {
	OnRegister(ctx context.Context, runtime ModuleRuntime) error
}

// Driver adapts an external platform into events.
type Driver interface {
	// Name returns a stable driver identifier.
	Name() string
	// Start consumes external updates and publishes events until ctx ends or a fatal error.
	Start(ctx context.Context, sink EventSink) error
	// Shutdown stops external resources that are not tied to Start context alone.
	Shutdown(ctx context.Context) error
}
