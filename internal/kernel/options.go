package kernel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"forcesub-bot/pkg/forcesub"
)

const (
	defaultModuleHookTimeout  = 5 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 1
	defaultHandlerTimeout     = 3 * time.Second

	defaultDispatchBuffer  = 1024
	defaultDispatchWorkers = 4
	defaultDispatchTimeout = 30 * time.Second
)

// config stores resolved kernel runtime settings after option application.
type config struct {
	moduleHookTimeout  time.Duration
	shutdownTimeout    time.Duration
	subscriptionBuffer int
	subscriptionWorker int
	handlerTimeout     time.Duration
	dispatch           forcesub.SubscriptionSpec
	origin             string
	registerer         prometheus.Registerer
	logger             *slog.Logger
	onAsyncError       func(context.Context, string, error)
}

// Option mutates kernel construction configuration.
type Option func(*config)

// defaultConfig returns production-safe defaults for kernel runtime controls.
func defaultConfig() config {
	logger := slog.Default()

	return config{
		moduleHookTimeout:  defaultModuleHookTimeout,
		shutdownTimeout:    defaultShutdownTimeout,
		subscriptionBuffer: defaultSubscriptionBuffer,
		subscriptionWorker: defaultSubscriptionWorker,
		handlerTimeout:     defaultHandlerTimeout,
		dispatch: forcesub.SubscriptionSpec{
			Name:           "dispatcher",
			Buffer:         defaultDispatchBuffer,
			Workers:        defaultDispatchWorkers,
			HandlerTimeout: defaultDispatchTimeout,
			Backpressure:   forcesub.BackpressureBlock,
		},
		logger:       logger,
		onAsyncError: asyncErrorLogger(logger),
	}
}

func asyncErrorLogger(logger *slog.Logger) func(context.Context, string, error) {
	return func(ctx context.Context, scope string, err error) {
		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			logger.ErrorContext(ctx, "forcesub async panic", "scope", scope, "error", err, "stack", string(panicErr.Stack))
			return
		}
		logger.ErrorContext(ctx, "forcesub async error", "scope", scope, "error", err)
	}
}

// WithModuleHookTimeout configures OnRegister/OnStart/OnShutdown timeout boundaries.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.moduleHookTimeout = timeout
		}
	}
}

// WithShutdownTimeout configures overall kernel shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithDefaultSubscriptionBuffer configures default subscriber queue depth.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptionBuffer = size
		}
	}
}

// WithDefaultSubscriptionWorkers configures default subscriber worker count.
func WithDefaultSubscriptionWorkers(workers int) Option {
	return func(cfg *config) {
		if workers > 0 {
			cfg.subscriptionWorker = workers
		}
	}
}

// WithDefaultHandlerTimeout configures default per-event handler timeout.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithDispatchSubscription overrides queue settings of the interaction dispatcher.
// Zero fields keep their defaults.
func WithDispatchSubscription(spec forcesub.SubscriptionSpec) Option {
	return func(cfg *config) {
		if spec.Buffer > 0 {
			cfg.dispatch.Buffer = spec.Buffer
		}
		if spec.Workers > 0 {
			cfg.dispatch.Workers = spec.Workers
		}
		if spec.HandlerTimeout > 0 {
			cfg.dispatch.HandlerTimeout = spec.HandlerTimeout
		}
		if spec.Backpressure != "" {
			cfg.dispatch.Backpressure = spec.Backpressure
		}
	}
}

// WithOrigin sets the identifier stamped on events published by this process.
func WithOrigin(origin string) Option {
	return func(cfg *config) {
		if origin != "" {
			cfg.origin = origin
		}
	}
}

// WithMetricsRegisterer enables bus and dispatcher metrics on registerer.
func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return func(cfg *config) {
		cfg.registerer = registerer
	}
}

// WithLogger configures logger used by kernel and default async error sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = asyncErrorLogger(logger)
	}
}

// WithAsyncErrorHandler configures asynchronous worker error reporting.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}
