package telegram

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

func TestDriverStartPublishesDecodedEvents(t *testing.T) {
	t.Parallel()

	updates := make(chan Update, 4)
	updates <- Update{Type: UpdateTypeCallback, ChatID: 42, User: UserRef{ID: 42}, Callback: &CallbackPayload{QueryID: 1, Data: []byte("ping")}}
	updates <- Update{Type: UpdateTypeChannelPost, ChatID: BotChannelID(1), Message: &MessagePayload{ID: 3}}
	updates <- Update{Type: UpdateTypeCallback}
	updates <- Update{Type: UpdateTypePrivateMessage, ChatID: 42, User: UserRef{ID: 42}, Message: &MessagePayload{ID: 2, Text: "/start"}}
	close(updates)

	var asyncErrors atomic.Int32
	registry := prometheus.NewRegistry()
	driver, err := NewDriver(
		channelSource{Updates: updates},
		NewDefaultDecoder(BotChannelID(900)),
		WithDriverRegisterer(registry),
		WithErrorHandler(func(context.Context, error) { asyncErrors.Add(1) }),
	)
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	sink := &sinkStub{}
	if err := driver.Start(context.Background(), sink); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	kinds := sink.kinds()
	want := []forcesub.EventKind{forcesub.EventKindCallbackQuery, forcesub.EventKindPrivateMessage}
	if len(kinds) != len(want) {
		t.Fatalf("published kinds = %v, want %v", kinds, want)
	}
	for idx := range want {
		if kinds[idx] != want[idx] {
			t.Fatalf("published kinds = %v, want %v", kinds, want)
		}
	}
	if got := asyncErrors.Load(); got != 1 {
		t.Fatalf("async errors = %d, want 1", got)
	}

	outcomes := []struct {
		updateType UpdateType
		outcome    string
		want       float64
	}{
		{updateType: UpdateTypeCallback, outcome: outcomePublished, want: 1},
		{updateType: UpdateTypeCallback, outcome: outcomeDecodeError, want: 1},
		{updateType: UpdateTypeChannelPost, outcome: outcomeIgnored, want: 1},
		{updateType: UpdateTypePrivateMessage, outcome: outcomePublished, want: 1},
	}
	for _, outcome := range outcomes {
		got := testutil.ToFloat64(driver.cfg.metrics.updates.WithLabelValues(string(outcome.updateType), outcome.outcome))
		if got != outcome.want {
			t.Fatalf("updates{%s,%s} = %v, want %v", outcome.updateType, outcome.outcome, got, outcome.want)
		}
	}
}

func TestDriverStartPublishFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		publishErr error
		wantErr    bool
		wantAsync  int32
	}{
		{name: "dropped event is reported and skipped", publishErr: forcesub.ErrEventDropped, wantAsync: 1},
		{name: "publish failure stops the driver", publishErr: errors.New("bus closed"), wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			updates := make(chan Update, 1)
			updates <- Update{Type: UpdateTypeCallback, ChatID: 42, User: UserRef{ID: 42}, Callback: &CallbackPayload{QueryID: 1}}
			close(updates)

			var asyncErrors atomic.Int32
			driver, err := NewDriver(
				channelSource{Updates: updates},
				NewDefaultDecoder(0),
				WithPublishTimeout(time.Second),
				WithErrorHandler(func(context.Context, error) { asyncErrors.Add(1) }),
			)
			if err != nil {
				t.Fatalf("new driver failed: %v", err)
			}

			err = driver.Start(context.Background(), &sinkStub{err: testCase.publishErr})
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := asyncErrors.Load(); got != testCase.wantAsync {
				t.Fatalf("async errors = %d, want %d", got, testCase.wantAsync)
			}
		})
	}
}

func TestDriverDecodePanicIsReported(t *testing.T) {
	t.Parallel()

	updates := make(chan Update, 1)
	updates <- Update{Type: UpdateTypeCallback}
	close(updates)

	var reported atomic.Int32
	driver, err := NewDriver(
		channelSource{Updates: updates},
		panicDecoder{},
		WithErrorHandler(func(context.Context, error) { reported.Add(1) }),
	)
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	if err := driver.Start(context.Background(), &sinkStub{}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := reported.Load(); got != 1 {
		t.Fatalf("reported = %d, want 1", got)
	}
}

func TestNewDriverValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewDriver(nil, NewDefaultDecoder(0)); err == nil {
		t.Fatal("expected nil source error")
	}
	if _, err := NewDriver(channelSource{}, nil); err == nil {
		t.Fatal("expected nil decoder error")
	}

	driver, err := NewDriver(channelSource{}, NewDefaultDecoder(0))
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}
	if err := driver.Start(context.Background(), nil); err == nil {
		t.Fatal("expected nil sink error")
	}
}

type channelSource struct {
	Updates <-chan Update
}

func (s channelSource) Consume(ctx context.Context, handler UpdateHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-s.Updates:
			if !ok {
				return nil
			}
			if err := handler(ctx, update); err != nil {
				return err
			}
		}
	}
}

type sinkStub struct {
	mu     sync.Mutex
	events []*forcesub.Event
	err    error
}

func (s *sinkStub) Publish(_ context.Context, event *forcesub.Event) error {
	if s.err != nil {
		return s.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)

	return nil
}

func (s *sinkStub) kinds() []forcesub.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds := make([]forcesub.EventKind, 0, len(s.events))
	for _, event := range s.events {
		kinds = append(kinds, event.Kind)
	}

	return kinds
}

type panicDecoder struct{}

func (panicDecoder) Decode(context.Context, Update) (*forcesub.Event, error) {
	panic("decoder exploded")
}
