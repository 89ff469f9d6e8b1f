// Package relay bridges domain events between bot replicas over NATS.
//
// Outbound, the relay is a kernel module subscribed to domain events that
// originated in this process. Inbound, it is a driver feeding peer events into
// the local bus. Events carry their origin, so a replica never re-applies or
// re-forwards its own events.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"forcesub-bot/pkg/forcesub"
)

const (
	// DefaultSubjectPrefix namespaces relayed subjects.
	DefaultSubjectPrefix = "forcesub.events"
	name                 = "relay"
	inboundBuffer        = 256
)

// NewOrigin returns a fresh replica identifier.
func NewOrigin() string {
	return uuid.NewString()
}

// Connect dials NATS with unlimited reconnects.
func Connect(url, clientName string, options ...nats.Option) (*nats.Conn, error) {
	defaults := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	conn, err := nats.Connect(url, append(defaults, options...)...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	return conn, nil
}

// Relay forwards local domain events to NATS and publishes peer events locally.
type Relay struct {
	conn    *nats.Conn
	origin  string
	prefix  string
	logger  *slog.Logger
	metrics *metrics
}

// Option mutates Relay construction.
type Option func(*Relay)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(relay *Relay) {
		if trimmed := strings.Trim(prefix, ". "); trimmed != "" {
			relay.prefix = trimmed
		}
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger *slog.Logger) Option {
	return func(relay *Relay) {
		if logger != nil {
			relay.logger = logger
		}
	}
}

// WithRegisterer registers relay counters.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(relay *Relay) {
		relay.metrics = newMetrics(registerer)
	}
}

// New creates a relay over an established connection. The caller owns conn.
func New(conn *nats.Conn, origin string, options ...Option) (*Relay, error) {
	if conn == nil {
		return nil, fmt.Errorf("new relay: nil nats connection")
	}
	if origin == "" {
		return nil, fmt.Errorf("new relay: empty origin")
	}

	relay := &Relay{
		conn:   conn,
		origin: origin,
		prefix: DefaultSubjectPrefix,
		logger: slog.Default(),
	}
	for _, option := range options {
		option(relay)
	}

	return relay, nil
}

// Origin returns the replica identifier stamped on forwarded events.
func (r *Relay) Origin() string {
	return r.origin
}

func (r *Relay) subject(kind forcesub.EventKind) string {
	return r.prefix + "." + string(kind)
}

// Forward publishes a locally originated domain event to peers.
// Events from other origins and interaction events are skipped.
func (r *Relay) Forward(ctx context.Context, event *forcesub.Event) error {
	if event == nil || !event.IsDomain() || event.Origin != r.origin {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal relayed event %s: %w", event.ID, err)
	}
	if err := r.conn.Publish(r.subject(event.Kind), data); err != nil {
		r.metrics.observeForward("error")
		return fmt.Errorf("publish relayed event %s: %w", event.ID, err)
	}
	r.metrics.observeForward("ok")
	r.logger.DebugContext(ctx, "relayed event", "event_id", event.ID, "kind", event.Kind)

	return nil
}

// Name identifies the relay both as module and as driver.
func (r *Relay) Name() string {
	return name
}

// Spec subscribes the relay to every domain event kind.
func (r *Relay) Spec() forcesub.ModuleSpec {
	return forcesub.ModuleSpec{
		Handlers: []forcesub.ModuleHandler{
			{
				Capability: forcesub.Capability{
					Name:        "relay-outbound",
					Description: "forwards local domain events to peer replicas",
					Interest:    forcesub.InterestSet{Kinds: append([]forcesub.EventKind(nil), forcesub.DomainEventKinds...)},
				},
				Subscription: forcesub.SubscriptionSpec{
					Name:    "relay-outbound",
					Workers: 1,
				},
				Handler: r.Forward,
			},
		},
	}
}

// OnStart is a no-op.
func (r *Relay) OnStart(context.Context) error {
	return nil
}

// OnShutdown flushes buffered outbound messages.
func (r *Relay) OnShutdown(ctx context.Context) error {
	if r.conn.IsClosed() {
		return nil
	}
	if err := r.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush relay: %w", err)
	}

	return nil
}

// Start subscribes to peer events and publishes them into sink until ctx ends.
func (r *Relay) Start(ctx context.Context, sink forcesub.EventSink) error {
	messages := make(chan *nats.Msg, inboundBuffer)
	subscription, err := r.conn.ChanSubscribe(r.prefix+".>", messages)
	if err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}
	defer func() {
		_ = subscription.Unsubscribe()
	}()
	if err := r.conn.Flush(); err != nil {
		return fmt.Errorf("flush relay subscription: %w", err)
	}
	r.logger.InfoContext(ctx, "relay subscribed", "subject", subscription.Subject, "origin", r.origin)

	for {
		select {
		case <-ctx.Done():
			return nil
		case message := <-messages:
			r.receive(ctx, sink, message)
		}
	}
}

func (r *Relay) receive(ctx context.Context, sink forcesub.EventSink, message *nats.Msg) {
	event := &forcesub.Event{}
	if err := json.Unmarshal(message.Data, event); err != nil {
		r.metrics.observeReceive("malformed")
		r.logger.WarnContext(ctx, "drop malformed relayed event", "subject", message.Subject, "error", err)
		return
	}
	if event.Origin == r.origin {
		r.metrics.observeReceive("own")
		return
	}
	if event.Origin == "" || !event.IsDomain() {
		r.metrics.observeReceive("rejected")
		r.logger.WarnContext(ctx, "drop relayed event", "subject", message.Subject, "kind", event.Kind, "origin", event.Origin)
		return
	}
	if err := sink.Publish(ctx, event); err != nil {
		r.metrics.observeReceive("error")
		r.logger.WarnContext(ctx, "publish relayed event failed", "event_id", event.ID, "error", err)
		return
	}
	r.metrics.observeReceive("ok")
}

// Shutdown is a no-op; Start returns when its context ends.
func (r *Relay) Shutdown(context.Context) error {
	return nil
}

var (
	_ forcesub.Module = (*Relay)(nil)
	_ forcesub.Driver = (*Relay)(nil)
)
