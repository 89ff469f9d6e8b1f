package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"forcesub-bot/internal/access"
	"forcesub-bot/internal/driver/telegram"
	"forcesub-bot/internal/kernel"
	"forcesub-bot/internal/linking"
	"forcesub-bot/internal/relay"
	"forcesub-bot/internal/settings"
	"forcesub-bot/internal/store/sqlstore"
	"forcesub-bot/internal/subscription"
	"forcesub-bot/internal/userstate"
	"forcesub-bot/modules/channels"
	"forcesub-bot/modules/info"
	"forcesub-bot/modules/links"
	"forcesub-bot/modules/start"
	"forcesub-bot/modules/vars"
	"forcesub-bot/pkg/forcesub"
)

const (
	natsClientName         = "forcesub-bot"
	metricsShutdownTimeout = 5 * time.Second
	metricsReadTimeout     = 10 * time.Second
)

func newLogger(level slog.Level, out io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

// openStore connects the configured database and applies pending migrations.
func openStore(ctx context.Context, cfg sqlstore.Config, logger *slog.Logger) (*sqlstore.Store, error) {
	if err := ensureSQLiteDir(cfg); err != nil {
		return nil, err
	}
	store, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	version, err := store.Migrate()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate %s database: %w", cfg.Dialect, err)
	}
	logger.InfoContext(ctx, "database ready", "dialect", string(cfg.Dialect), "schema_version", version)

	return store, nil
}

// ensureSQLiteDir creates the parent directory of a plain SQLite file path.
func ensureSQLiteDir(cfg sqlstore.Config) error {
	if cfg.Dialect != sqlstore.DialectSQLite {
		return nil
	}
	path, _, _ := strings.Cut(cfg.DSN, "?")
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create database dir for %s: %w", path, err)
	}

	return nil
}

func runBot(ctx context.Context, cfg appConfig, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := openStore(ctx, cfg.database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("close database", "error", closeErr)
		}
	}()

	// Settings and admins load in their OnStart hooks, before any driver starts.
	settingsCache := settings.New(store, settings.WithLogger(logger))
	admins := access.New(cfg.adminIDs, access.WithStore(store), access.WithLogger(logger))
	states := userstate.New(userstate.WithTTL(cfg.stateTTL), userstate.WithLogger(logger))

	telegramRuntime, err := telegram.NewRuntime(cfg.telegram, logger, registry)
	if err != nil {
		return fmt.Errorf("build telegram runtime: %w", err)
	}

	gateMetrics, err := subscription.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register membership metrics: %w", err)
	}
	gate := subscription.New(
		telegramRuntime.Authority,
		subscription.NewActiveChannels(),
		subscription.WithTTL(cfg.membershipTTL),
		subscription.WithSweepInterval(cfg.membershipSweep),
		subscription.WithCheckTimeout(cfg.membershipCheckTimeout),
		subscription.WithChannelStore(store),
		subscription.WithMetrics(gateMetrics),
		subscription.WithLogger(logger),
	)

	linkOptions := []linking.Option{linking.WithLogger(logger)}
	if cfg.linkLength > 0 {
		linkOptions = append(linkOptions, linking.WithLength(cfg.linkLength))
	}
	linkService, err := linking.New(store, linkOptions...)
	if err != nil {
		return fmt.Errorf("build link service: %w", err)
	}

	origin := relay.NewOrigin()
	kernelRuntime := buildKernelRuntime(logger, cfg, origin, registry)

	services := []struct {
		name    string
		service any
	}{
		{name: forcesub.ServiceLogger, service: logger},
		{name: forcesub.ServiceMessenger, service: telegramRuntime.Messenger},
		{name: forcesub.ServiceUserState, service: states},
		{name: forcesub.ServiceConfig, service: settingsCache},
		{name: forcesub.ServiceMembership, service: gate},
		{name: forcesub.ServiceChannels, service: store},
		{name: forcesub.ServiceChannelInspector, service: telegramRuntime.Inspector},
		{name: forcesub.ServiceLinks, service: linkService},
		{name: forcesub.ServiceAdmins, service: admins},
		{name: forcesub.ServiceUsers, service: store},
		{name: forcesub.ServiceBotIdentity, service: telegramRuntime.Identity},
	}
	for _, entry := range services {
		if err := kernelRuntime.RegisterService(entry.name, entry.service); err != nil {
			return fmt.Errorf("register %s service: %w", entry.name, err)
		}
	}

	modules := []forcesub.Module{
		settingsCache,
		admins,
		states,
		gate,
		start.New(),
		info.New(),
		vars.New(),
		channels.New(),
		links.New(),
	}

	if cfg.natsURL != "" {
		conn, err := relay.Connect(cfg.natsURL, natsClientName)
		if err != nil {
			return err
		}
		defer conn.Close()

		peerRelay, err := relay.New(conn, origin,
			relay.WithSubjectPrefix(cfg.natsSubjectPrefix),
			relay.WithLogger(logger),
			relay.WithRegisterer(registry),
		)
		if err != nil {
			return fmt.Errorf("build relay: %w", err)
		}
		modules = append(modules, peerRelay)
		if err := kernelRuntime.RegisterDriver(peerRelay); err != nil {
			return fmt.Errorf("register driver %s: %w", peerRelay.Name(), err)
		}
		logger.InfoContext(ctx, "event relay enabled", "origin", origin, "subject_prefix", cfg.natsSubjectPrefix)
	}

	for _, module := range modules {
		if err := kernelRuntime.RegisterModule(ctx, module); err != nil {
			return fmt.Errorf("register %s module: %w", module.Name(), err)
		}
	}
	if err := kernelRuntime.RegisterDriver(telegramRuntime.Driver); err != nil {
		return fmt.Errorf("register driver %s: %w", telegramRuntime.Driver.Name(), err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	groupCtx, cancelGroup := context.WithCancel(groupCtx)
	defer cancelGroup()

	group.Go(func() error {
		// The metrics endpoint lives only as long as the kernel.
		defer cancelGroup()
		if err := kernelRuntime.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run kernel: %w", err)
		}
		return nil
	})
	if cfg.metricsListen != "" {
		group.Go(func() error {
			return serveMetrics(groupCtx, cfg.metricsListen, registry, logger)
		})
	}

	return group.Wait()
}

func buildKernelRuntime(
	logger *slog.Logger,
	cfg appConfig,
	origin string,
	registerer prometheus.Registerer,
) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithOrigin(origin),
		kernel.WithMetricsRegisterer(registerer),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
	)
}

// serveMetrics exposes registry on listen until ctx ends.
func serveMetrics(ctx context.Context, listen string, registry *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "metrics endpoint listening", "listen", listen)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics on %s: %w", listen, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}

	return nil
}
