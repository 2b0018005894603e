// Command domscout runs the scraping platform daemon: browser session
// manager, semantic selector engine, snapshot pipeline, resource
// monitor and the read-only status API.
//
// Usage:
//
//	domscout -config domscout.yaml
//	domscout -selectors ./selectors -test-mode
//
// SIGHUP reloads the selector configuration; a failed reload keeps the
// active snapshot.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domscout/dbopen"
	"github.com/hazyhaar/domscout/events"
	"github.com/hazyhaar/domscout/monitor"
	"github.com/hazyhaar/domscout/selector"
	"github.com/hazyhaar/domscout/session"
	"github.com/hazyhaar/domscout/snapshot"
	"github.com/hazyhaar/domscout/statestore"
	"github.com/hazyhaar/domscout/statusapi"
	"github.com/hazyhaar/domscout/stubs"
)

func main() {
	configPath := flag.String("config", "", "path to domscout.yaml")
	selectorsDir := flag.String("selectors", "", "selector configuration directory (overrides config)")
	snapshotsDir := flag.String("snapshots", "", "snapshot output directory (overrides config)")
	listen := flag.String("listen", "", "status API listen address (overrides config)")
	testMode := flag.Bool("test-mode", false, "resolve {name} URLs to embedded stub pages")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = loadConfigFile(*configPath)
		if err != nil {
			logger.Error("domscout: config", "error", err)
			os.Exit(1)
		}
	}
	if *selectorsDir != "" {
		cfg.SelectorsDir = *selectorsDir
	}
	if *snapshotsDir != "" {
		cfg.SnapshotsDir = *snapshotsDir
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *testMode {
		cfg.TestMode = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("domscout: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg Config) error {
	bus := events.NewBus(events.WithLogger(logger))
	defer bus.Close()

	eventsDB, err := dbopen.Open(cfg.EventsDB,
		dbopen.WithSchema(events.Schema), dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer eventsDB.Close()
	sink := events.NewSQLiteSink(bus, eventsDB, events.WithSinkLogger(logger))
	defer sink.Close()

	store, err := selector.Open(cfg.SelectorsDir,
		selector.WithBus(bus), selector.WithLogger(logger))
	if err != nil {
		return err
	}
	engine := selector.NewEngine(store,
		selector.WithEngineBus(bus), selector.WithEngineLogger(logger))

	var backend statestore.Backend
	if cfg.StateDB != "" {
		backend, err = statestore.NewSQLite(cfg.StateDB)
	} else {
		backend, err = statestore.NewFS(cfg.StateDir)
	}
	if err != nil {
		return err
	}
	states := statestore.New(backend,
		statestore.WithBus(bus), statestore.WithLogger(logger))
	defer states.Close()

	var rewrite func(string) string
	if cfg.TestMode {
		resolver, err := stubs.Materialize("")
		if err != nil {
			return err
		}
		defer resolver.Remove()
		rewrite = resolver.Rewrite
		logger.Info("domscout: test mode", "stubs", resolver.Dir())
	}

	manager := session.NewManager(session.Config{
		MaxSessions: cfg.MaxSessions,
		RewriteURL:  rewrite,
		Caches:      engine,
		Bus:         bus,
		Logger:      logger,
	}, states)

	snaps, err := snapshot.New(snapshot.Config{
		Dir:      cfg.SnapshotsDir,
		Gates:    cfg.snapshotGates(),
		Resolver: engine,
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	interval, err := cfg.monitorInterval()
	if err != nil {
		return err
	}
	mon := monitor.New(manager, monitor.Config{
		Interval:       interval,
		MemoryBudgetMB: cfg.MemoryBudgetMB,
		Bus:            bus,
		Logger:         logger,
	})
	go mon.Run(ctx)

	go reloadOnHUP(ctx, store, logger)

	api := statusapi.New(statusapi.Config{
		Sessions:  manager,
		Stats:     engine.Stats(),
		Snapshots: snaps,
		Metrics:   mon,
		Logger:    logger,
	})
	srv := &http.Server{Addr: cfg.Listen, Handler: api.Router()}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("domscout: status api listening", "addr", cfg.Listen)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("domscout: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("domscout: session shutdown", "error", err)
	}
	return nil
}

// reloadOnHUP re-reads the selector tree on SIGHUP. Reload failures
// keep the active snapshot and are reported on the bus.
func reloadOnHUP(ctx context.Context, store *selector.Store, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := store.Reload(); err != nil {
				logger.Error("domscout: selector reload failed", "error", err)
				continue
			}
			logger.Info("domscout: selector configuration reloaded")
		}
	}
}
