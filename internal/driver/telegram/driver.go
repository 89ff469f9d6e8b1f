package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"forcesub-bot/pkg/forcesub"
)

const defaultPublishTimeout = 2 * time.Second

// UpdateHandler consumes mapped Telegram updates.
type UpdateHandler func(ctx context.Context, update Update) error

// UpdateSource streams Telegram updates into the driver.
type UpdateSource interface {
	// Consume runs the update loop until context cancellation or fatal error.
	Consume(ctx context.Context, handler UpdateHandler) error
}

type driverConfig struct {
	publishTimeout time.Duration
	onAsyncError   func(context.Context, error)
	metrics        *driverMetrics
}

// DriverOption mutates Telegram driver configuration.
type DriverOption func(*driverConfig)

// WithPublishTimeout bounds how long one event may wait for bus capacity.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.publishTimeout = timeout
		}
	}
}

// WithErrorHandler receives decode failures and dropped events.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(cfg *driverConfig) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// WithDriverRegisterer counts updates per type and outcome.
func WithDriverRegisterer(registerer prometheus.Registerer) DriverOption {
	return func(cfg *driverConfig) {
		cfg.metrics = newDriverMetrics(registerer)
	}
}

// Driver turns bot updates (callbacks, private messages, storage posts and
// participant changes) into forcesub events.
type Driver struct {
	cfg     driverConfig
	source  UpdateSource
	decoder Decoder
}

// NewDriver creates a Telegram driver.
func NewDriver(source UpdateSource, decoder Decoder, options ...DriverOption) (*Driver, error) {
	if source == nil {
		return nil, fmt.Errorf("new telegram driver: nil source")
	}
	if decoder == nil {
		return nil, fmt.Errorf("new telegram driver: nil decoder")
	}

	cfg := driverConfig{
		publishTimeout: defaultPublishTimeout,
		onAsyncError:   func(context.Context, error) {},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Driver{
		cfg:     cfg,
		source:  source,
		decoder: decoder,
	}, nil
}

// Name returns the stable driver identifier.
func (d *Driver) Name() string {
	return DriverType
}

// Start consumes Telegram updates and publishes events until ctx ends.
func (d *Driver) Start(ctx context.Context, sink forcesub.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start telegram driver: nil sink")
	}

	handler := func(handlerCtx context.Context, update Update) error {
		return d.handleUpdate(handlerCtx, update, sink)
	}

	if err := d.source.Consume(ctx, handler); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}

		return fmt.Errorf("start telegram driver: consume updates: %w", err)
	}

	return nil
}

// handleUpdate decodes one update and publishes it with bounded latency.
//
// Decode failures and full queues are reported and swallowed; only a sink
// that refuses events for good ends the session.
func (d *Driver) handleUpdate(ctx context.Context, update Update, sink forcesub.EventSink) error {
	event, err := d.decodeSafely(ctx, update)
	if err != nil {
		d.cfg.metrics.observe(update.Type, outcomeDecodeError)
		d.cfg.onAsyncError(ctx, err)
		return nil
	}
	if event == nil {
		d.cfg.metrics.observe(update.Type, outcomeIgnored)
		return nil
	}

	publishCtx, cancel := context.WithTimeout(ctx, d.cfg.publishTimeout)
	defer cancel()

	if err := sink.Publish(publishCtx, event); err != nil {
		if errors.Is(err, forcesub.ErrEventDropped) {
			d.cfg.metrics.observe(update.Type, outcomeDropped)
			d.cfg.onAsyncError(ctx, fmt.Errorf("handle %s update for chat %d: %w", update.Type, update.ChatID, err))
			return nil
		}
		return fmt.Errorf("publish %s event from %s update: %w", event.Kind, update.Type, err)
	}
	d.cfg.metrics.observe(update.Type, outcomePublished)

	return nil
}

// decodeSafely protects decoder panics at the adapter boundary.
func (d *Driver) decodeSafely(ctx context.Context, update Update) (decoded *forcesub.Event, err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("decode telegram update %s panic: %v", update.Type, recovered)
	}()

	decoded, err = d.decoder.Decode(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("decode telegram update %s: %w", update.Type, err)
	}

	return decoded, nil
}

// Shutdown is a no-op; the gotd session ends with the Start context.
func (d *Driver) Shutdown(_ context.Context) error {
	return nil
}
