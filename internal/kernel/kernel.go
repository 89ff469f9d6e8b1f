package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"forcesub-bot/internal/dispatch"
	"forcesub-bot/pkg/forcesub"
)

// Kernel orchestrates modules, drivers, the event bus and the interaction dispatcher.
type Kernel struct {
	cfg config

	bus             *EventBus
	services        *ServiceRegistry
	dispatchMetrics *dispatch.Metrics

	mu          sync.RWMutex
	modules     map[string]*moduleRecord
	moduleOrder []string
	drivers     map[string]forcesub.Driver
	driverOrder []string

	runMu   sync.Mutex
	running bool
}

// New creates a new kernel runtime.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	busMetrics, err := newBusMetrics(cfg.registerer)
	if err != nil {
		cfg.onAsyncError(context.Background(), "register bus metrics", err)
	}
	var dispatchMetrics *dispatch.Metrics
	if cfg.registerer != nil {
		dispatchMetrics, err = dispatch.NewMetrics(cfg.registerer)
		if err != nil {
			cfg.onAsyncError(context.Background(), "register dispatch metrics", err)
		}
	}

	kernelRuntime := &Kernel{
		cfg: cfg,
		bus: newEventBus(busSettings{
			buffer:         cfg.subscriptionBuffer,
			workers:        cfg.subscriptionWorker,
			handlerTimeout: cfg.handlerTimeout,
			origin:         cfg.origin,
			onAsyncError:   cfg.onAsyncError,
		}, busMetrics),
		services:        NewServiceRegistry(),
		dispatchMetrics: dispatchMetrics,
		modules:         make(map[string]*moduleRecord),
		drivers:         make(map[string]forcesub.Driver),
	}
	if err := kernelRuntime.services.Register(
		forcesub.ServiceCommandCatalog,
		&commandCatalog{kernel: kernelRuntime},
	); err != nil {
		cfg.onAsyncError(context.Background(), "register command catalog service", err)
	}

	return kernelRuntime
}

// EventBus exposes the kernel event bus to integration code.
func (k *Kernel) EventBus() forcesub.EventBus {
	return k.bus
}

// Services exposes the kernel service registry.
func (k *Kernel) Services() forcesub.ServiceRegistry {
	return k.services
}

// RegisterService registers a runtime service singleton.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// RegisterModule registers a lifecycle-aware module, runs optional registration,
// and wires declarative handlers. Trigger, continuation and command conflicts
// with previously registered modules are rejected here rather than at Run.
func (k *Kernel) RegisterModule(ctx context.Context, module forcesub.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}
	moduleSpec := module.Spec()
	if err := validateModuleSpec(moduleSpec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	record := &moduleRecord{
		name:         name,
		module:       module,
		spec:         moduleSpec,
		capabilities: moduleSpec.Capabilities(),
	}
	if err := k.validateCapabilityDependencies(record.capabilities); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.mu.Lock()
	if _, exists := k.modules[name]; exists {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, forcesub.ErrModuleAlreadyRegistered)
	}
	if _, err := dispatch.BuildRoutes(append(k.moduleSpecsLocked(), moduleSpec)...); err != nil {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, err)
	}
	k.modules[name] = record
	k.moduleOrder = append(k.moduleOrder, name)
	k.mu.Unlock()

	runtime := &moduleRuntime{
		moduleName: name,
		services:   k.services,
		bus:        k.bus,
		record:     record,
	}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	if registrar, ok := module.(forcesub.ModuleRegistrar); ok {
		if err := runSafely("module "+name+" OnRegister", func() error {
			return registrar.OnRegister(hookCtx, runtime)
		}); err != nil {
			k.rollbackModuleRegistration(ctx, name, record)
			return fmt.Errorf("register module %s: %w", name, err)
		}
	}

	if err := k.registerDeclaredHandlers(hookCtx, name, runtime, moduleSpec.Handlers); err != nil {
		k.rollbackModuleRegistration(ctx, name, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	return nil
}

// RegisterDriver registers a platform driver.
func (k *Kernel) RegisterDriver(driver forcesub.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.drivers[name]; exists {
		return fmt.Errorf("register driver %s: %w", name, forcesub.ErrDriverAlreadyRegistered)
	}
	k.drivers[name] = driver
	k.driverOrder = append(k.driverOrder, name)

	return nil
}

// Run builds the dispatcher, starts modules, runs drivers, and blocks until
// cancellation or a fatal driver error.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.startRun(); err != nil {
		return err
	}
	defer k.finishRun()

	if err := k.startDispatcher(ctx); err != nil {
		return errors.Join(err, k.bus.Close(context.WithoutCancel(ctx)))
	}
	if err := k.startModules(ctx); err != nil {
		return errors.Join(err, k.shutdownAll(ctx))
	}

	runCtx, runCancel := context.WithCancel(ctx)
	driverErr, waitDrivers := k.startDrivers(runCtx)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-driverErr:
		runErr = err
	}

	runCancel()
	waitDrivers()

	shutdownErr := k.shutdownAll(ctx)
	if isContextCancellation(runErr) {
		runErr = nil
	}

	return errors.Join(runErr, shutdownErr)
}

func (k *Kernel) startRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel run: already running")
	}
	k.running = true

	return nil
}

func (k *Kernel) finishRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

// startDispatcher freezes the routing table and subscribes the dispatcher
// to interaction events.
func (k *Kernel) startDispatcher(ctx context.Context) error {
	k.mu.RLock()
	routes, err := dispatch.BuildRoutes(k.moduleSpecsLocked()...)
	k.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("kernel run: %w", err)
	}

	state, err := forcesub.ResolveAs[forcesub.StateStore](k.services, forcesub.ServiceUserState)
	if err != nil {
		return fmt.Errorf("kernel run: dispatcher: %w", err)
	}
	messenger, err := forcesub.ResolveAs[forcesub.Messenger](k.services, forcesub.ServiceMessenger)
	if err != nil {
		return fmt.Errorf("kernel run: dispatcher: %w", err)
	}

	dispatcher := dispatch.New(routes, state, messenger,
		dispatch.WithLogger(k.cfg.logger),
		dispatch.WithMetrics(k.dispatchMetrics),
	)
	if _, err := k.bus.Subscribe(ctx, forcesub.InterestSet{Kinds: dispatch.Kinds()}, k.cfg.dispatch, dispatcher.OnEvent); err != nil {
		return fmt.Errorf("kernel run: subscribe dispatcher: %w", err)
	}
	k.cfg.logger.InfoContext(ctx, "dispatcher ready",
		"callback_triggers", routes.Callbacks.Len(),
		"continuations", routes.Continuations.Len(),
		"commands", len(routes.Commands),
		"workers", k.cfg.dispatch.Workers,
	)

	return nil
}

// moduleSpecsLocked returns specs in registration order. Callers hold k.mu.
func (k *Kernel) moduleSpecsLocked() []forcesub.ModuleSpec {
	specs := make([]forcesub.ModuleSpec, 0, len(k.moduleOrder)+1)
	for _, name := range k.moduleOrder {
		specs = append(specs, k.modules[name].spec)
	}

	return specs
}

func (k *Kernel) orderedModules() []*moduleRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()

	records := make([]*moduleRecord, 0, len(k.moduleOrder))
	for _, name := range k.moduleOrder {
		records = append(records, k.modules[name])
	}

	return records
}

func (k *Kernel) orderedDrivers() []forcesub.Driver {
	k.mu.RLock()
	defer k.mu.RUnlock()

	drivers := make([]forcesub.Driver, 0, len(k.driverOrder))
	for _, name := range k.driverOrder {
		drivers = append(drivers, k.drivers[name])
	}

	return drivers
}

// startModules invokes OnStart in registration order with per-module timeouts.
func (k *Kernel) startModules(ctx context.Context) error {
	for _, record := range k.orderedModules() {
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

// startDrivers runs all registered drivers concurrently and returns a channel
// delivering the first fatal driver error and a bounded wait function.
func (k *Kernel) startDrivers(ctx context.Context) (<-chan error, func()) {
	errChannel := make(chan error, 1)
	done := make(chan struct{})
	var workers sync.WaitGroup

	sink := &driverSink{bus: k.bus, logger: k.cfg.logger}
	for _, driver := range k.orderedDrivers() {
		workers.Add(1)
		go func(adapter forcesub.Driver) {
			defer workers.Done()
			err := runSafely("driver "+adapter.Name()+" Start", func() error {
				return adapter.Start(ctx, sink)
			})
			if err == nil || isContextCancellation(err) {
				return
			}
			select {
			case errChannel <- fmt.Errorf("run driver %s: %w", adapter.Name(), err):
			default:
			}
		}(driver)
	}

	go func() {
		workers.Wait()
		close(done)
	}()

	wait := func() {
		select {
		case <-done:
		case <-time.After(k.cfg.shutdownTimeout):
		}
	}

	return errChannel, wait
}

// shutdownAll tears down drivers, modules, and bus in a bounded window that
// survives parent cancellation.
func (k *Kernel) shutdownAll(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	shutdownErr := errors.Join(
		k.shutdownDrivers(shutdownCtx),
		k.shutdownModules(shutdownCtx),
		k.bus.Close(shutdownCtx),
	)
	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

// shutdownDrivers executes driver Shutdown in reverse registration order.
func (k *Kernel) shutdownDrivers(ctx context.Context) error {
	drivers := k.orderedDrivers()

	var shutdownErr error
	for idx := len(drivers) - 1; idx >= 0; idx-- {
		driver := drivers[idx]
		err := runSafely("driver "+driver.Name()+" Shutdown", func() error {
			return driver.Shutdown(ctx)
		})
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown driver %s: %w", driver.Name(), err))
		}
	}

	return shutdownErr
}

// shutdownModules closes module subscriptions and invokes OnShutdown in reverse order.
func (k *Kernel) shutdownModules(ctx context.Context) error {
	records := k.orderedModules()

	var shutdownErr error
	for idx := len(records) - 1; idx >= 0; idx-- {
		record := records[idx]
		if err := record.closeSubscriptions(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s subscriptions: %w", record.name, err))
		}
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnShutdown", func() error {
			return record.module.OnShutdown(hookCtx)
		})
		cancel()
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
	}

	return shutdownErr
}

// rollbackModuleRegistration removes a partially registered module.
func (k *Kernel) rollbackModuleRegistration(ctx context.Context, name string, record *moduleRecord) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(rollbackCtx); err != nil {
		k.cfg.onAsyncError(rollbackCtx, "rollback_module_registration", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.modules, name)
	k.moduleOrder = removeOrderedName(k.moduleOrder, name)
}

// validateCapabilityDependencies checks required services declared by capabilities.
func (k *Kernel) validateCapabilityDependencies(capabilities []forcesub.Capability) error {
	for _, capability := range capabilities {
		for _, serviceName := range capability.RequiredServices {
			if _, err := k.services.Resolve(serviceName); err != nil {
				return fmt.Errorf("capability %s requires service %s: %w", capability.Name, serviceName, err)
			}
		}
	}

	return nil
}

// registerDeclaredHandlers binds all declarative handlers from ModuleSpec.
func (k *Kernel) registerDeclaredHandlers(
	ctx context.Context,
	moduleName string,
	runtime *moduleRuntime,
	handlers []forcesub.ModuleHandler,
) error {
	for idx, declared := range handlers {
		spec := declared.Subscription
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("%s-handler-%d", moduleName, idx+1)
		}
		if _, err := runtime.Subscribe(ctx, declared.Capability.Interest, spec, declared.Handler); err != nil {
			return fmt.Errorf("register handler %s for capability %s: %w", spec.Name, declared.Capability.Name, err)
		}
	}

	return nil
}

// validateModuleSpec ensures declarative module definitions are coherent.
func validateModuleSpec(spec forcesub.ModuleSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	seenCapabilities := make(map[string]struct{}, len(spec.Handlers)+len(spec.AdditionalCapabilities))
	seenSubscriptions := make(map[string]struct{}, len(spec.Handlers))
	for idx, handler := range spec.Handlers {
		if handler.Capability.Name == "" {
			return fmt.Errorf("module handler %d: empty capability name", idx)
		}
		if _, exists := seenCapabilities[handler.Capability.Name]; exists {
			return fmt.Errorf("module handler %d: duplicate capability name %s", idx, handler.Capability.Name)
		}
		seenCapabilities[handler.Capability.Name] = struct{}{}

		if handler.Handler == nil {
			return fmt.Errorf("module handler %s: nil handler", handler.Capability.Name)
		}
		if handler.Subscription.Name != "" {
			if _, exists := seenSubscriptions[handler.Subscription.Name]; exists {
				return fmt.Errorf("module handler %s: duplicate subscription name %s", handler.Capability.Name, handler.Subscription.Name)
			}
			seenSubscriptions[handler.Subscription.Name] = struct{}{}
		}
	}

	for idx, capability := range spec.AdditionalCapabilities {
		if capability.Name == "" {
			return fmt.Errorf("additional capability %d: empty capability name", idx)
		}
		if _, exists := seenCapabilities[capability.Name]; exists {
			return fmt.Errorf("additional capability %d: duplicate capability name %s", idx, capability.Name)
		}
		seenCapabilities[capability.Name] = struct{}{}
	}

	return nil
}

func removeOrderedName(ordered []string, target string) []string {
	filtered := make([]string, 0, len(ordered))
	for _, item := range ordered {
		if item != target {
			filtered = append(filtered, item)
		}
	}

	return filtered
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
