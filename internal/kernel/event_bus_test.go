package kernel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"forcesub-bot/pkg/forcesub"
)

func TestEventBusPublishDeliversMatchingSubscriptions(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(8, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	received := make(chan *forcesub.Event, 2)
	_, err := bus.Subscribe(context.Background(), forcesub.InterestSet{
		Kinds: []forcesub.EventKind{forcesub.EventKindConfigChanged},
	}, forcesub.SubscriptionSpec{
		Name: "match",
	}, func(_ context.Context, event *forcesub.Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := bus.Publish(context.Background(), newTestEvent("e0", forcesub.EventKindAdminChanged)); err != nil {
		t.Fatalf("publish e0 failed: %v", err)
	}
	if err := bus.Publish(context.Background(), newTestEvent("e1", forcesub.EventKindConfigChanged)); err != nil {
		t.Fatalf("publish e1 failed: %v", err)
	}

	select {
	case event := <-received:
		if event.ID != "e1" {
			t.Fatalf("event id = %s, want e1", event.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBusStampsOrigin(t *testing.T) {
	t.Parallel()

	bus := newEventBus(busSettings{buffer: 4, workers: 1, origin: "replica-a"}, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	local := newTestEvent("e1", forcesub.EventKindConfigChanged)
	if err := bus.Publish(context.Background(), local); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if local.Origin != "replica-a" {
		t.Fatalf("origin = %q, want replica-a", local.Origin)
	}

	relayed := newTestEvent("e2", forcesub.EventKindConfigChanged)
	relayed.Origin = "replica-b"
	if err := bus.Publish(context.Background(), relayed); err != nil {
		t.Fatalf("publish relayed failed: %v", err)
	}
	if relayed.Origin != "replica-b" {
		t.Fatalf("relayed origin = %q, want replica-b", relayed.Origin)
	}
}

func TestEventBusExcludeOrigin(t *testing.T) {
	t.Parallel()

	bus := newEventBus(busSettings{buffer: 4, workers: 1, origin: "self"}, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	received := make(chan string, 2)
	_, err := bus.Subscribe(context.Background(), forcesub.InterestSet{ExcludeOrigin: "peer"},
		forcesub.SubscriptionSpec{Name: "no-peer"},
		func(_ context.Context, event *forcesub.Event) error {
			received <- event.ID
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	peer := newTestEvent("from-peer", forcesub.EventKindConfigChanged)
	peer.Origin = "peer"
	if err := bus.Publish(context.Background(), peer); err != nil {
		t.Fatalf("publish peer failed: %v", err)
	}
	if err := bus.Publish(context.Background(), newTestEvent("local", forcesub.EventKindConfigChanged)); err != nil {
		t.Fatalf("publish local failed: %v", err)
	}

	select {
	case id := <-received:
		if id != "local" {
			t.Fatalf("received %s, want local", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBusBackpressurePolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		policy     forcesub.BackpressurePolicy
		wantEvents []string
	}{
		{
			name:       "drop newest keeps queued oldest",
			policy:     forcesub.BackpressureDropNewest,
			wantEvents: []string{"e1", "e2"},
		},
		{
			name:       "drop oldest keeps latest",
			policy:     forcesub.BackpressureDropOldest,
			wantEvents: []string{"e1", "e3"},
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			var drops atomic.Int32
			bus := NewEventBus(1, 1, time.Second, func(_ context.Context, _ string, err error) {
				if errors.Is(err, forcesub.ErrEventDropped) {
					drops.Add(1)
				}
			})
			t.Cleanup(func() {
				_ = bus.Close(context.Background())
			})

			release := make(chan struct{})
			blocked := make(chan struct{}, 1)
			processed := make([]string, 0, 3)
			var first sync.Once
			var mu sync.Mutex

			_, err := bus.Subscribe(context.Background(), forcesub.InterestSet{}, forcesub.SubscriptionSpec{
				Name:         "policy",
				Workers:      1,
				Buffer:       1,
				Backpressure: testCase.policy,
			}, func(_ context.Context, event *forcesub.Event) error {
				first.Do(func() {
					blocked <- struct{}{}
					<-release
				})
				mu.Lock()
				processed = append(processed, event.ID)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Fatalf("subscribe failed: %v", err)
			}

			if err := bus.Publish(context.Background(), newTestEvent("e1", forcesub.EventKindConfigChanged)); err != nil {
				t.Fatalf("publish e1 failed: %v", err)
			}
			select {
			case <-blocked:
			case <-time.After(time.Second):
				t.Fatal("handler did not block as expected")
			}
			for _, id := range []string{"e2", "e3"} {
				if err := bus.Publish(context.Background(), newTestEvent(id, forcesub.EventKindConfigChanged)); err != nil {
					t.Fatalf("publish %s failed: %v", id, err)
				}
			}

			close(release)
			eventually(t, 2*time.Second, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(processed) == 2
			})

			mu.Lock()
			gotEvents := append([]string(nil), processed...)
			mu.Unlock()
			if gotEvents[0] != testCase.wantEvents[0] || gotEvents[1] != testCase.wantEvents[1] {
				t.Fatalf("processed = %v, want %v", gotEvents, testCase.wantEvents)
			}
			if testCase.policy == forcesub.BackpressureDropNewest && drops.Load() != 1 {
				t.Fatalf("drops = %d, want 1", drops.Load())
			}
		})
	}
}

func TestEventBusBlockPolicyHonorsContext(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(1, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := bus.Subscribe(context.Background(), forcesub.InterestSet{}, forcesub.SubscriptionSpec{
		Name:         "block",
		Buffer:       1,
		Backpressure: forcesub.BackpressureBlock,
	}, func(context.Context, *forcesub.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer close(release)

	if err := bus.Publish(context.Background(), newTestEvent("e1", forcesub.EventKindConfigChanged)); err != nil {
		t.Fatalf("publish e1 failed: %v", err)
	}
	<-started
	if err := bus.Publish(context.Background(), newTestEvent("e2", forcesub.EventKindConfigChanged)); err != nil {
		t.Fatalf("publish e2 failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = bus.Publish(ctx, newTestEvent("e3", forcesub.EventKindConfigChanged))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("publish e3 error = %v, want deadline exceeded", err)
	}
}

func TestEventBusRecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	metrics, err := newBusMetrics(registry)
	if err != nil {
		t.Fatalf("newBusMetrics failed: %v", err)
	}

	reported := make(chan error, 1)
	bus := newEventBus(busSettings{
		buffer:  4,
		workers: 1,
		onAsyncError: func(_ context.Context, _ string, err error) {
			reported <- err
		},
	}, metrics)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	_, err = bus.Subscribe(context.Background(), forcesub.InterestSet{}, forcesub.SubscriptionSpec{Name: "panicky"},
		func(context.Context, *forcesub.Event) error {
			panic("boom")
		})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := bus.Publish(context.Background(), newTestEvent("e1", forcesub.EventKindConfigChanged)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case err := <-reported:
		if err == nil {
			t.Fatal("expected reported error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}

	eventually(t, time.Second, func() bool {
		return testutil.ToFloat64(metrics.handlerErrors.WithLabelValues("panicky")) == 1
	})
	if got := testutil.ToFloat64(metrics.published.WithLabelValues(string(forcesub.EventKindConfigChanged))); got != 1 {
		t.Fatalf("published = %v, want 1", got)
	}
}

func TestEventBusRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(8, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	if err := bus.Publish(context.Background(), nil); !errors.Is(err, forcesub.ErrInvalidEvent) {
		t.Fatalf("publish nil error = %v, want ErrInvalidEvent", err)
	}
	if err := bus.Publish(context.Background(), &forcesub.Event{Kind: forcesub.EventKindConfigChanged}); !errors.Is(err, forcesub.ErrInvalidEvent) {
		t.Fatalf("publish invalid error = %v, want ErrInvalidEvent", err)
	}
	noop := func(context.Context, *forcesub.Event) error { return nil }
	if _, err := bus.Subscribe(context.Background(), forcesub.InterestSet{}, forcesub.SubscriptionSpec{Backpressure: "spill"}, noop); !errors.Is(err, forcesub.ErrInvalidSubscription) {
		t.Fatalf("subscribe error = %v, want ErrInvalidSubscription", err)
	}
	if _, err := bus.Subscribe(context.Background(), forcesub.InterestSet{}, forcesub.SubscriptionSpec{}, nil); !errors.Is(err, forcesub.ErrInvalidSubscription) {
		t.Fatalf("subscribe nil handler error = %v, want ErrInvalidSubscription", err)
	}
}

func TestEventBusCloseRejectsNewPublish(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(8, 1, time.Second, nil)
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	err := bus.Publish(context.Background(), newTestEvent("e1", forcesub.EventKindConfigChanged))
	if !errors.Is(err, forcesub.ErrSubscriptionClosed) {
		t.Fatalf("publish error = %v, want ErrSubscriptionClosed", err)
	}
	noop := func(context.Context, *forcesub.Event) error { return nil }
	if _, err := bus.Subscribe(context.Background(), forcesub.InterestSet{}, forcesub.SubscriptionSpec{}, noop); err == nil {
		t.Fatal("expected subscribe on closed bus to fail")
	}
}

func newTestEvent(id string, kind forcesub.EventKind) *forcesub.Event {
	event := forcesub.NewEvent(kind, time.Now())
	event.ID = id

	switch kind {
	case forcesub.EventKindCallbackQuery:
		event.Interaction = &forcesub.Interaction{QueryID: 1, ChatID: 10, UserID: 10, Data: []byte("ping")}
	case forcesub.EventKindPrivateMessage:
		event.Interaction = &forcesub.Interaction{ChatID: 10, UserID: 10, Text: "hello"}
	case forcesub.EventKindPostStored:
		event.Post = &forcesub.Post{ChannelID: -1009, MessageID: 1}
	case forcesub.EventKindMembershipChanged:
		event.Membership = &forcesub.MembershipChange{UserID: 10, ChannelID: -1001, Joined: true}
	case forcesub.EventKindConfigChanged, forcesub.EventKindConfigDeleted:
		event.Config = &forcesub.ConfigChange{Key: "K", Value: "V"}
	case forcesub.EventKindChannelChanged:
		event.Channel = &forcesub.ChannelChange{ChannelID: -1001, Active: true}
	case forcesub.EventKindAdminChanged:
		event.Admin = &forcesub.AdminChange{UserID: 10}
	}

	return event
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}
