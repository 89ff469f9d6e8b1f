package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"forcesub-bot/pkg/forcesub"
)

// moduleRecord stores module metadata and subscriptions managed by the kernel.
type moduleRecord struct {
	name          string
	module        forcesub.Module
	spec          forcesub.ModuleSpec
	capabilities  []forcesub.Capability
	subscriptions []forcesub.Subscription
	subMu         sync.Mutex
}

// addSubscription tracks subscriptions so module shutdown can close them deterministically.
func (m *moduleRecord) addSubscription(subscription forcesub.Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscriptions = append(m.subscriptions, subscription)
}

// closeSubscriptions closes all tracked subscriptions and aggregates close errors.
// Repeated calls are no-ops.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.subMu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.subMu.Unlock()

	var closeErr error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return closeErr
}

// moduleRuntime is the kernel-owned implementation of forcesub.ModuleRuntime.
type moduleRuntime struct {
	moduleName string
	services   forcesub.ServiceRegistry
	bus        forcesub.EventBus
	record     *moduleRecord
}

// Services returns the kernel service registry.
func (r *moduleRuntime) Services() forcesub.ServiceRegistry {
	return r.services
}

// Subscribe registers a module-owned subscription after capability checks.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest forcesub.InterestSet,
	spec forcesub.SubscriptionSpec,
	handler forcesub.EventHandler,
) (forcesub.Subscription, error) {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("%s-subscription", r.moduleName)
	}
	if err := assertSubscriptionAllowed(r.record.capabilities, spec.Name, interest); err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}
	r.record.addSubscription(subscription)

	return subscription, nil
}

// Publish submits a domain event on behalf of the module.
// Interaction events are reserved for drivers.
func (r *moduleRuntime) Publish(ctx context.Context, event *forcesub.Event) error {
	if event != nil && !event.IsDomain() {
		return fmt.Errorf("module %s publish %s: %w: only domain events", r.moduleName, event.Kind, forcesub.ErrInvalidEvent)
	}
	if err := r.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("module %s publish: %w", r.moduleName, err)
	}

	return nil
}

// assertSubscriptionAllowed enforces capability negotiation at registration time.
// A module can only subscribe to interests covered by at least one declared capability.
func assertSubscriptionAllowed(capabilities []forcesub.Capability, subscriptionName string, interest forcesub.InterestSet) error {
	if len(capabilities) == 0 {
		return fmt.Errorf("subscription %s: %w: no declared capability", subscriptionName, forcesub.ErrInvalidSubscription)
	}

	for _, capability := range capabilities {
		if capability.Interest.Allows(interest) {
			return nil
		}
	}

	return fmt.Errorf("subscription %s: %w: interest not covered by declared capabilities", subscriptionName, forcesub.ErrInvalidSubscription)
}
