package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"forcesub-bot/pkg/forcesub"
)

// busSettings holds defaults applied to subscriptions that omit them.
type busSettings struct {
	buffer         int
	workers        int
	handlerTimeout time.Duration
	origin         string
	onAsyncError   func(context.Context, string, error)
}

// EventBus is the kernel asynchronous pub/sub implementation.
//
// Every subscription owns a bounded queue drained by its own workers, so a
// slow consumer only affects itself.
type EventBus struct {
	settings busSettings
	metrics  *busMetrics

	mu            sync.RWMutex
	nextID        int64
	closed        bool
	subscriptions map[int64]*queueSubscription
}

// NewEventBus creates an asynchronous event bus with bounded queues.
func NewEventBus(
	defaultBuffer int,
	defaultWorkers int,
	defaultHandlerTimeout time.Duration,
	onAsyncError func(context.Context, string, error),
) *EventBus {
	return newEventBus(busSettings{
		buffer:         defaultBuffer,
		workers:        defaultWorkers,
		handlerTimeout: defaultHandlerTimeout,
		onAsyncError:   onAsyncError,
	}, nil)
}

func newEventBus(settings busSettings, metrics *busMetrics) *EventBus {
	return &EventBus{
		settings:      settings,
		metrics:       metrics,
		subscriptions: make(map[int64]*queueSubscription),
	}
}

// Publish validates event, stamps the local origin when unset and fans it
// out to every matching subscription.
//
// Drops and closed subscriptions are reported asynchronously; only blocking
// enqueue failures are returned.
func (b *EventBus) Publish(ctx context.Context, event *forcesub.Event) error {
	if event == nil {
		return fmt.Errorf("publish event: %w: nil event", forcesub.ErrInvalidEvent)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event %s: %w", event.Kind, err)
	}
	if event.Origin == "" {
		event.Origin = b.settings.origin
	}

	subs, err := b.snapshotSubscriptions()
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.Kind, err)
	}
	b.metrics.observePublish(event.Kind)

	var publishErrs []error
	for _, sub := range subs {
		if !sub.interest.Matches(event) {
			continue
		}
		err := sub.enqueue(ctx, event)
		if err == nil {
			continue
		}
		if errors.Is(err, forcesub.ErrEventDropped) || errors.Is(err, forcesub.ErrSubscriptionClosed) {
			b.metrics.observeDrop(sub.spec.Name)
			b.reportAsyncError(ctx, sub.spec.Name, err)
			continue
		}
		publishErrs = append(publishErrs, err)
	}

	if len(publishErrs) > 0 {
		return fmt.Errorf("publish event %s: %w", event.Kind, errors.Join(publishErrs...))
	}

	return nil
}

// Subscribe registers a bounded asynchronous consumer.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest forcesub.InterestSet,
	spec forcesub.SubscriptionSpec,
	handler forcesub.EventHandler,
) (forcesub.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: %w: nil handler", spec.Name, forcesub.ErrInvalidSubscription)
	}
	if !isKnownBackpressure(spec.Backpressure) {
		return nil, fmt.Errorf("subscribe %s: %w: backpressure %q", spec.Name, forcesub.ErrInvalidSubscription, spec.Backpressure)
	}

	subID := atomic.AddInt64(&b.nextID, 1)
	spec = b.withDefaults(spec, subID)
	sub := startQueueSubscription(subID, interest, spec, handler, b)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.signalClose()
		return nil, fmt.Errorf("subscribe %s: %w: bus closed", spec.Name, forcesub.ErrSubscriptionClosed)
	}
	b.subscriptions[subID] = sub

	return sub, nil
}

// Close stops all active subscriptions and rejects further publishes/subscribes.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*queueSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.subscriptions = make(map[int64]*queueSubscription)
	b.mu.Unlock()

	var closeErr error
	for _, sub := range subs {
		if err := sub.shutdown(ctx); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
	}
	if closeErr != nil {
		return fmt.Errorf("close event bus: %w", closeErr)
	}

	return nil
}

// snapshotSubscriptions returns a stable copy for lock-free publish fan-out.
func (b *EventBus) snapshotSubscriptions() ([]*queueSubscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("%w: bus closed", forcesub.ErrSubscriptionClosed)
	}

	subs := make([]*queueSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}

	return subs, nil
}

func (b *EventBus) withDefaults(spec forcesub.SubscriptionSpec, subID int64) forcesub.SubscriptionSpec {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", subID)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.settings.buffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.settings.workers
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.settings.handlerTimeout
	}
	if spec.Backpressure == "" {
		spec.Backpressure = forcesub.BackpressureDropNewest
	}

	return spec
}

func (b *EventBus) unsubscribe(ctx context.Context, subID int64) error {
	b.mu.Lock()
	sub, found := b.subscriptions[subID]
	delete(b.subscriptions, subID)
	b.mu.Unlock()

	if !found {
		return nil
	}
	if err := sub.shutdown(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.spec.Name, err)
	}

	return nil
}

func (b *EventBus) reportAsyncError(ctx context.Context, scope string, err error) {
	if b.settings.onAsyncError != nil {
		b.settings.onAsyncError(ctx, scope, err)
	}
}

func isKnownBackpressure(policy forcesub.BackpressurePolicy) bool {
	switch policy {
	case "", forcesub.BackpressureDropNewest, forcesub.BackpressureDropOldest, forcesub.BackpressureBlock:
		return true
	default:
		return false
	}
}

// queueSubscription owns the queue and workers of one subscriber.
// Workers stop on context cancellation; the queue channel is never closed.
type queueSubscription struct {
	id       int64
	interest forcesub.InterestSet
	spec     forcesub.SubscriptionSpec
	handler  forcesub.EventHandler
	queue    chan *forcesub.Event
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	closed   atomic.Bool
	once     sync.Once
	bus      *EventBus
}

func startQueueSubscription(
	subID int64,
	interest forcesub.InterestSet,
	spec forcesub.SubscriptionSpec,
	handler forcesub.EventHandler,
	bus *EventBus,
) *queueSubscription {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &queueSubscription{
		id:       subID,
		interest: cloneInterestSet(interest),
		spec:     spec,
		handler:  handler,
		queue:    make(chan *forcesub.Event, spec.Buffer),
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		bus:      bus,
	}

	var workers sync.WaitGroup
	for workerID := 0; workerID < spec.Workers; workerID++ {
		workers.Add(1)
		go sub.runWorker(&workers, workerID)
	}
	go func() {
		workers.Wait()
		close(sub.done)
	}()

	return sub
}

func cloneInterestSet(interest forcesub.InterestSet) forcesub.InterestSet {
	cloned := interest
	if len(interest.Kinds) > 0 {
		cloned.Kinds = append([]forcesub.EventKind(nil), interest.Kinds...)
	}

	return cloned
}

// Name returns the stable subscription name.
func (s *queueSubscription) Name() string {
	return s.spec.Name
}

// Close unregisters this subscription from its parent bus.
func (s *queueSubscription) Close(ctx context.Context) error {
	return s.bus.unsubscribe(ctx, s.id)
}

func (s *queueSubscription) enqueue(ctx context.Context, event *forcesub.Event) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, forcesub.ErrSubscriptionClosed)
	}

	select {
	case s.queue <- event:
		return nil
	default:
	}

	switch s.spec.Backpressure {
	case forcesub.BackpressureDropOldest:
		select {
		case <-s.queue:
		default:
		}
		select {
		case s.queue <- event:
			return nil
		default:
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, forcesub.ErrEventDropped)
		}
	case forcesub.BackpressureBlock:
		select {
		case s.queue <- event:
			return nil
		case <-s.ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, forcesub.ErrSubscriptionClosed)
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
		}
	default:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, forcesub.ErrEventDropped)
	}
}

// runWorker drains the queue until the subscription is closed.
func (s *queueSubscription) runWorker(workers *sync.WaitGroup, workerID int) {
	defer workers.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			if err := s.handleEvent(workerID, event); err != nil {
				s.bus.metrics.observeHandlerError(s.spec.Name)
				s.bus.reportAsyncError(s.ctx, s.spec.Name, err)
			}
		}
	}
}

func (s *queueSubscription) handleEvent(workerID int, event *forcesub.Event) error {
	handlerCtx, cancel := s.ctx, context.CancelFunc(func() {})
	if s.spec.HandlerTimeout > 0 {
		handlerCtx, cancel = context.WithTimeout(s.ctx, s.spec.HandlerTimeout)
	}
	defer cancel()

	scope := fmt.Sprintf("subscription %s worker %d", s.spec.Name, workerID)
	if err := runSafely(scope, func() error {
		return s.handler(handlerCtx, event)
	}); err != nil {
		return fmt.Errorf("handle event %s %s: %w", event.Kind, event.ID, err)
	}

	return nil
}

func (s *queueSubscription) signalClose() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// shutdown waits for worker exit or returns when ctx expires.
func (s *queueSubscription) shutdown(ctx context.Context) error {
	s.signalClose()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s: %w", s.spec.Name, ctx.Err())
	}
}

// busMetrics counts bus traffic. A nil *busMetrics records nothing.
type busMetrics struct {
	published     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
}

func newBusMetrics(registerer prometheus.Registerer) (*busMetrics, error) {
	if registerer == nil {
		return nil, nil
	}

	metrics := &busMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forcesub",
			Subsystem: "bus",
			Name:      "published_events_total",
			Help:      "Events accepted by the bus by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forcesub",
			Subsystem: "bus",
			Name:      "dropped_events_total",
			Help:      "Events dropped by backpressure or closed subscriptions.",
		}, []string{"subscription"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forcesub",
			Subsystem: "bus",
			Name:      "handler_errors_total",
			Help:      "Handler failures and recovered panics by subscription.",
		}, []string{"subscription"}),
	}
	for _, collector := range []prometheus.Collector{metrics.published, metrics.dropped, metrics.handlerErrors} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("register bus metrics: %w", err)
		}
	}

	return metrics, nil
}

func (m *busMetrics) observePublish(kind forcesub.EventKind) {
	if m != nil {
		m.published.WithLabelValues(string(kind)).Inc()
	}
}

func (m *busMetrics) observeDrop(subscription string) {
	if m != nil {
		m.dropped.WithLabelValues(subscription).Inc()
	}
}

func (m *busMetrics) observeHandlerError(subscription string) {
	if m != nil {
		m.handlerErrors.WithLabelValues(subscription).Inc()
	}
}
