package kernel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"forcesub-bot/pkg/forcesub"
)

func TestRegisterModuleDependencyValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		registerLogger bool
		wantErr        bool
	}{
		{name: "missing required service fails", wantErr: true},
		{name: "present required service succeeds", registerLogger: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			if testCase.registerLogger {
				if err := kernelRuntime.RegisterService(forcesub.ServiceLogger, struct{}{}); err != nil {
					t.Fatalf("register logger service failed: %v", err)
				}
			}

			module := &stubModule{
				name: "cap-module",
				spec: forcesub.ModuleSpec{
					AdditionalCapabilities: []forcesub.Capability{
						{Name: "needs-logger", RequiredServices: []string{forcesub.ServiceLogger}},
					},
				},
			}
			err := kernelRuntime.RegisterModule(context.Background(), module)
			if testCase.wantErr && err == nil {
				t.Fatal("expected module registration error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected module registration error: %v", err)
			}
		})
	}
}

func TestKernelRunRoutesDriverEventsToTriggers(t *testing.T) {
	t.Parallel()

	kernelRuntime := newRunnableKernel(t)

	handled := make(chan string, 1)
	module := &stubModule{
		name: "pinger",
		spec: forcesub.ModuleSpec{
			Triggers: []forcesub.TriggerSpec{{
				Trigger: "ping",
				Match:   forcesub.MatchExact,
				Handler: forcesub.CallbackHandlerFunc(func(_ context.Context, _ *forcesub.Event, payload string) error {
					handled <- payload
					return nil
				}),
			}},
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	driver := &stubDriver{name: "stub-driver", emit: newTestEvent("q1", forcesub.EventKindCallbackQuery)}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() {
		runDone <- kernelRuntime.Run(runCtx)
	}()

	select {
	case payload := <-handled:
		if payload != "ping" {
			t.Fatalf("payload = %q, want ping", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("trigger handler was not invoked")
	}
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("kernel run failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("kernel run did not exit")
	}

	if module.registered.Load() == 0 || module.started.Load() == 0 || module.shutdown.Load() == 0 {
		t.Fatalf("lifecycle = (%d, %d, %d), want every hook called",
			module.registered.Load(), module.started.Load(), module.shutdown.Load())
	}
	if driver.started.Load() == 0 || driver.stopped.Load() == 0 {
		t.Fatal("driver lifecycle hooks were not called")
	}
}

func TestKernelRunStopsOnDriverError(t *testing.T) {
	t.Parallel()

	kernelRuntime := newRunnableKernel(t)
	driverErr := errors.New("auth failed")
	if err := kernelRuntime.RegisterDriver(&stubDriver{name: "failing", startErr: driverErr}); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	err := kernelRuntime.Run(context.Background())
	if !errors.Is(err, driverErr) {
		t.Fatalf("Run error = %v, want %v", err, driverErr)
	}
}

func TestKernelRunStartsModulesBeforeDrivers(t *testing.T) {
	t.Parallel()

	kernelRuntime := newRunnableKernel(t)
	module := &stubModule{name: "loader"}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	var startedAtDriverStart atomic.Int32
	stopErr := errors.New("stop")
	driver := &stubDriver{
		name:     "stub-driver",
		startErr: stopErr,
		onStart: func() {
			startedAtDriverStart.Store(module.started.Load())
		},
	}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	if err := kernelRuntime.Run(context.Background()); !errors.Is(err, stopErr) {
		t.Fatalf("Run error = %v, want %v", err, stopErr)
	}
	if got := startedAtDriverStart.Load(); got != 1 {
		t.Fatalf("module OnStart calls before driver start = %d, want 1", got)
	}
	if got := module.started.Load(); got != 1 {
		t.Fatalf("module OnStart calls = %d, want 1", got)
	}
}

func TestKernelRunRequiresDispatcherServices(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	err := kernelRuntime.Run(context.Background())
	if !errors.Is(err, forcesub.ErrServiceNotFound) {
		t.Fatalf("Run error = %v, want ErrServiceNotFound", err)
	}
}

func TestRegisterModuleBindsDeclarativeHandlers(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	t.Cleanup(func() {
		_ = kernelRuntime.EventBus().Close(context.Background())
	})

	handled := make(chan string, 1)
	module := &stubModule{
		name: "declarative",
		spec: forcesub.ModuleSpec{
			Handlers: []forcesub.ModuleHandler{{
				Capability: forcesub.Capability{
					Name:     "channel-changed",
					Interest: forcesub.InterestSet{Kinds: []forcesub.EventKind{forcesub.EventKindChannelChanged}},
				},
				Subscription: forcesub.SubscriptionSpec{Name: "declarative-handler", Buffer: 1, Workers: 1},
				Handler: func(_ context.Context, event *forcesub.Event) error {
					handled <- event.ID
					return nil
				},
			}},
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	if err := kernelRuntime.EventBus().Publish(context.Background(), newTestEvent("e1", forcesub.EventKindChannelChanged)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case id := <-handled:
		if id != "e1" {
			t.Fatalf("handled event id = %s, want e1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for declarative handler")
	}
}

func TestRegisterModuleRejectsConflicts(t *testing.T) {
	t.Parallel()

	noop := forcesub.CallbackHandlerFunc(func(context.Context, *forcesub.Event, string) error { return nil })
	tests := []struct {
		name    string
		first   forcesub.ModuleSpec
		second  forcesub.ModuleSpec
		wantErr error
	}{
		{
			name:    "duplicate exact trigger",
			first:   forcesub.ModuleSpec{Triggers: []forcesub.TriggerSpec{{Trigger: "vars", Match: forcesub.MatchExact, Handler: noop}}},
			second:  forcesub.ModuleSpec{Triggers: []forcesub.TriggerSpec{{Trigger: "vars", Match: forcesub.MatchExact, Handler: noop}}},
			wantErr: forcesub.ErrDuplicateTrigger,
		},
		{
			name:    "empty trigger",
			first:   forcesub.ModuleSpec{},
			second:  forcesub.ModuleSpec{Triggers: []forcesub.TriggerSpec{{Match: forcesub.MatchExact, Handler: noop}}},
			wantErr: forcesub.ErrInvalidTrigger,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			if err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "first", spec: testCase.first}); err != nil {
				t.Fatalf("register first module failed: %v", err)
			}
			err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "second", spec: testCase.second})
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("register second module error = %v, want %v", err, testCase.wantErr)
			}
			if err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "first"}); !errors.Is(err, forcesub.ErrModuleAlreadyRegistered) {
				t.Fatalf("duplicate module error = %v, want ErrModuleAlreadyRegistered", err)
			}
		})
	}
}

func TestRegisterModuleRollsBackOnRegisterFailure(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	module := &stubModule{
		name: "broken",
		onRegister: func(context.Context, forcesub.ModuleRuntime) error {
			return errors.New("missing dependency")
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err == nil {
		t.Fatal("expected registration error")
	}

	module.onRegister = nil
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("re-register after rollback failed: %v", err)
	}
}

func TestKernelProvidesCommandCatalogService(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	noop := forcesub.CommandHandlerFunc(func(context.Context, *forcesub.Event, forcesub.Command) error { return nil })
	modules := []*stubModule{
		{name: "start", spec: forcesub.ModuleSpec{Commands: []forcesub.CommandSpec{{Name: "start", Description: "open the bot", Handler: noop}}}},
		{name: "info", spec: forcesub.ModuleSpec{Commands: []forcesub.CommandSpec{{Name: "/Help", Description: "usage", Handler: noop}}}},
	}
	for _, module := range modules {
		if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
			t.Fatalf("register module %s failed: %v", module.name, err)
		}
	}

	catalog, err := forcesub.ResolveAs[forcesub.CommandCatalog](kernelRuntime.Services(), forcesub.ServiceCommandCatalog)
	if err != nil {
		t.Fatalf("resolve command catalog failed: %v", err)
	}
	commands, err := catalog.ListCommands(context.Background())
	if err != nil {
		t.Fatalf("ListCommands failed: %v", err)
	}

	want := []forcesub.RegisteredCommand{
		{ModuleName: "info", Name: "help", Description: "usage"},
		{ModuleName: "start", Name: "start", Description: "open the bot"},
	}
	if diff := cmp.Diff(want, commands); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
}

func newRunnableKernel(t *testing.T) *Kernel {
	t.Helper()

	kernelRuntime := New(WithShutdownTimeout(time.Second), WithOrigin("test"))
	if err := kernelRuntime.RegisterService(forcesub.ServiceUserState, &stateStub{tokens: make(map[int64]string)}); err != nil {
		t.Fatalf("register state service failed: %v", err)
	}
	if err := kernelRuntime.RegisterService(forcesub.ServiceMessenger, messengerStub{}); err != nil {
		t.Fatalf("register messenger service failed: %v", err)
	}

	return kernelRuntime
}

type stubModule struct {
	name string
	spec forcesub.ModuleSpec

	onRegister func(ctx context.Context, runtime forcesub.ModuleRuntime) error

	registered atomic.Int32
	started    atomic.Int32
	shutdown   atomic.Int32
}

func (m *stubModule) Name() string {
	return m.name
}

func (m *stubModule) Spec() forcesub.ModuleSpec {
	return m.spec
}

func (m *stubModule) OnRegister(ctx context.Context, runtime forcesub.ModuleRuntime) error {
	m.registered.Add(1)
	if m.onRegister != nil {
		return m.onRegister(ctx, runtime)
	}

	return nil
}

func (m *stubModule) OnStart(_ context.Context) error {
	m.started.Add(1)
	return nil
}

func (m *stubModule) OnShutdown(_ context.Context) error {
	m.shutdown.Add(1)
	return nil
}

type stubDriver struct {
	name     string
	emit     *forcesub.Event
	startErr error
	onStart  func()

	started atomic.Int32
	stopped atomic.Int32
}

func (d *stubDriver) Name() string {
	return d.name
}

func (d *stubDriver) Start(ctx context.Context, sink forcesub.EventSink) error {
	d.started.Add(1)
	if d.onStart != nil {
		d.onStart()
	}
	if d.startErr != nil {
		return d.startErr
	}
	if d.emit != nil {
		if err := sink.Publish(ctx, d.emit); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func (d *stubDriver) Shutdown(_ context.Context) error {
	d.stopped.Add(1)
	return nil
}

type stateStub struct {
	mu     sync.Mutex
	tokens map[int64]string
}

func (s *stateStub) SetState(userID int64, token string) {
	s.mu.Lock()
	s.tokens[userID] = token
	s.mu.Unlock()
}

func (s *stateStub) GetState(userID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[userID]
	return token, ok
}

func (s *stateStub) ClearState(userID int64) {
	s.mu.Lock()
	delete(s.tokens, userID)
	s.mu.Unlock()
}

type messengerStub struct{}

func (messengerStub) SendMessage(context.Context, forcesub.SendMessageRequest) (int, error) {
	return 1, nil
}

func (messengerStub) EditMessage(context.Context, forcesub.EditMessageRequest) error {
	return nil
}

func (messengerStub) AnswerCallback(context.Context, forcesub.AnswerCallbackRequest) error {
	return nil
}

func (messengerStub) CopyMessages(context.Context, forcesub.CopyMessagesRequest) error {
	return nil
}
