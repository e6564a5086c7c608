// Command loomd runs the Loom workflow engine behind an HTTP API.
//
// Configuration comes from an optional YAML file (-config) plus environment
// variables; secrets such as the MySQL DSN are environment-only. Blueprints
// found in the configured blueprint directory are imported at startup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/loomworks/loom/loom"
	"github.com/loomworks/loom/loom/blueprint"
	"github.com/loomworks/loom/loom/emit"
	"github.com/loomworks/loom/loom/guard"
	"github.com/loomworks/loom/loom/model"
	"github.com/loomworks/loom/loom/model/anthropic"
	"github.com/loomworks/loom/loom/model/openai"
	"github.com/loomworks/loom/loom/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "loomd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.Debug {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	desk := loom.NewDesk()

	var emitters []emit.Emitter
	if cfg.EventLog != "" {
		f, err := os.OpenFile(cfg.EventLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer func() { _ = f.Close() }()
		emitters = append(emitters, emit.NewFileEmitter(f))
	}
	if cfg.Tracing {
		emitters = append(emitters, emit.NewOTelEmitter(otel.Tracer("loomd")))
	}
	var emitter emit.Emitter
	switch len(emitters) {
	case 0:
		emitter = emit.NewNullEmitter()
	case 1:
		emitter = emitters[0]
	default:
		emitter = emit.NewMultiEmitter(emitters...)
	}

	st, closeStore, err := openStore(cfg, desk, emitter)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := loom.NewMetrics(registry)

	telemetry := emit.NewBuffer(cfg.TelemetryCapacity)

	// Nil keeps the engine's default gate; ["NONE"] disables it.
	var highRisk []loom.Status
	for _, s := range cfg.HighRiskStatuses {
		if strings.EqualFold(s, "NONE") {
			highRisk = []loom.Status{}
			break
		}
		highRisk = append(highRisk, loom.Status(strings.ToUpper(s)))
	}

	models, err := buildModelRegistry(cfg)
	if err != nil {
		return err
	}

	engine := loom.New(st, emitter, telemetry, models, metrics, loom.Options{
		ZombieThreshold:  cfg.zombieThreshold(),
		MemoryRetention:  cfg.memoryRetention(),
		PilotTimeout:     cfg.pilotTimeout(),
		HighRiskStatuses: highRisk,
		MaxInteractions:  cfg.MaxInteractions,
	})

	if cfg.BlueprintDir != "" {
		if err := importBlueprints(context.Background(), st, cfg.BlueprintDir, log); err != nil {
			return err
		}
	}

	sweeper := loom.NewSweeper(engine)
	sweeper.ZombiePeriod = cfg.zombiePeriod()
	sweeper.OnError = func(op string, err error) {
		log.Error().Err(err).Str("op", op).Msg("sweeper tick failed")
	}
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	srv := &server{engine: engine, desk: desk, log: log}
	router := mux.NewRouter()
	router.Use(requestLogger(log))
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	srv.routes(router)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Str("store", cfg.Store).Msg("loomd started")
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// buildModelRegistry turns the models config into the injector whitelist.
// Returns nil when no models are configured, which lets every override
// through unchecked.
func buildModelRegistry(cfg *Config) (guard.ModelResolver, error) {
	if cfg.Models.Failover == "" && len(cfg.Models.Allowed) == 0 {
		return nil, nil
	}
	registry := model.NewRegistry(cfg.Models.Failover)
	for _, entry := range cfg.Models.Allowed {
		if entry.ID == "" {
			return nil, fmt.Errorf("models.allowed entry missing id")
		}
		var client model.ChatModel
		switch entry.Provider {
		case "":
		case "openai":
			client = openai.New(os.Getenv("OPENAI_API_KEY"), entry.ID)
		case "anthropic":
			client = anthropic.New(os.Getenv("ANTHROPIC_API_KEY"), entry.ID)
		default:
			return nil, fmt.Errorf("unknown model provider %q for %s", entry.Provider, entry.ID)
		}
		registry.Allow(entry.ID, client)
	}
	return registry, nil
}

func openStore(cfg *Config, desk *loom.Desk, emitter emit.Emitter) (loom.Store, func(), error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemStore(desk, emitter), func() {}, nil
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.SQLitePath, desk, emitter)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "mysql":
		dsn, err := cfg.MySQLDSN()
		if err != nil {
			return nil, nil, err
		}
		st, err := store.NewMySQLStore(dsn, desk, emitter)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

// importBlueprints loads every *.yaml / *.yml blueprint in dir into the
// blueprint tier. A bad blueprint fails startup: deploying from a known-bad
// library is worse than not starting.
func importBlueprints(ctx context.Context, st loom.Store, dir string, log zerolog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read blueprint dir: %w", err)
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		set, err := blueprint.Load(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := st.PutTemplate(ctx, set); err != nil {
			return fmt.Errorf("failed to store blueprint %s: %w", path, err)
		}
		log.Info().
			Str("file", entry.Name()).
			Str("workflow_id", set.Workflow.ID).
			Str("name", set.Workflow.Name).
			Msg("blueprint imported")
	}
	return nil
}
