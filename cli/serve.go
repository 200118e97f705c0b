package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	_ "modernc.org/sqlite"

	"github.com/jradfs/cpaagent/audit"
	"github.com/jradfs/cpaagent/clients"
	"github.com/jradfs/cpaagent/config"
	"github.com/jradfs/cpaagent/document"
	"github.com/jradfs/cpaagent/health"
	cpaotel "github.com/jradfs/cpaagent/otel"
	"github.com/jradfs/cpaagent/ratelimit"
	"github.com/jradfs/cpaagent/registry"
	"github.com/jradfs/cpaagent/server"
	"github.com/jradfs/cpaagent/workflow"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon HTTP server",
		RunE:  runServe,
	}

	addConfigFlag(cmd)
	cmd.Flags().String("listen", "", "Listen address (overrides listen_addr from config)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Duration("workflow-schedule-poll", 15*time.Second, "Workflow schedule poll interval")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	schedulePoll, _ := cmd.Flags().GetDuration("workflow-schedule-poll")

	logger := slog.Default()

	// All stores share one SQLite connection in serve mode.
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening sqlite database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("setting WAL mode: %w", err)
	}

	regStore, err := registry.NewSQLiteStoreFromDB(db)
	if err != nil {
		return fmt.Errorf("opening registry store: %w", err)
	}
	auditStore, err := audit.NewSQLiteStoreFromDB(db)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	clientStore, err := clients.NewSQLiteStoreFromDB(db)
	if err != nil {
		return fmt.Errorf("opening client store: %w", err)
	}
	docStore, err := document.NewSQLiteStoreFromDB(db)
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}
	wfStore, err := workflow.NewSQLiteStoreFromDB(db)
	if err != nil {
		return fmt.Errorf("opening workflow store: %w", err)
	}

	// Observability.
	shutdownTracing, err := cpaotel.InitTracing(cmd.Context(), cpaotel.TracingConfig{
		Endpoint:       cfg.Otel.Endpoint,
		Insecure:       cfg.Otel.Insecure,
		ServiceVersion: cmd.Root().Version,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	if shutdownTracing != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(shutdownCtx)
		}()
	}
	metrics, err := cpaotel.NewMetrics(otelapi.GetMeterProvider().Meter("cpaagent"))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	// Every component appends through the observed trail, so document and
	// workflow activity reaches the instruments without extra bridges.
	trail := cpaotel.ObserveAuditStore(auditStore, metrics)

	// Registry manager bridges its events into the audit trail and metrics.
	recordEvent := func(actor, kind, subject string, detail map[string]any) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := trail.Append(ctx, audit.NewEvent(kind, subject, detail).WithActor(actor)); err != nil {
			logger.Warn("audit append failed", "kind", kind, "error", err)
		}
	}
	manager, err := registry.NewManager(registry.ManagerConfig{
		Store:  regStore,
		Logger: logger,
		OnEvent: func(ev registry.Event) {
			recordEvent("registry", ev.Kind, ev.Server, ev.Detail)
			metrics.HandleRegistryEvent(ev)
		},
	})
	if err != nil {
		return fmt.Errorf("creating registry manager: %w", err)
	}
	defer func() {
		_ = manager.Close(context.Background())
	}()

	if err := applyStartupServers(cmd.Context(), cfg, regStore, logger); err != nil {
		return err
	}

	// Rate limiting with per-server overrides from config.
	limiter := ratelimit.NewPerServer(ratelimit.Config{
		RatePerSecond: cfg.RateLimit.RatePerSecond,
		Burst:         cfg.RateLimit.Burst,
	})
	for name, override := range cfg.RateLimit.Servers {
		if err := limiter.SetConfig(name, ratelimit.Config{
			RatePerSecond: override.RatePerSecond,
			Burst:         override.Burst,
		}); err != nil {
			return fmt.Errorf("configuring rate limit for %q: %w", name, err)
		}
	}

	// Document processing is available only with a configured provider.
	var processor *document.Processor
	if cfg.Provider.Name != "" {
		extractor, err := document.NewLLMExtractor(document.LLMExtractorConfig{
			Provider: cfg.Provider.Name,
			Model:    cfg.Provider.Model,
			APIKey:   cfg.Provider.APIKey(),
		})
		if err != nil {
			return fmt.Errorf("creating document extractor: %w", err)
		}
		processor, err = document.NewProcessor(document.ProcessorConfig{
			Store:     docStore,
			Extractor: extractor,
			Audit:     trail,
		})
		if err != nil {
			return fmt.Errorf("creating document processor: %w", err)
		}
	} else {
		logger.Info("no LLM provider configured, document processing disabled")
	}

	engineCfg := workflow.EngineConfig{
		Invoker: manager,
		Runs:    wfStore,
		Limiter: limiter,
		Audit:   trail,
	}
	if processor != nil {
		engineCfg.Documents = processor
	}
	engine, err := workflow.NewEngine(engineCfg)
	if err != nil {
		return fmt.Errorf("creating workflow engine: %w", err)
	}

	// Background health monitoring.
	prober, err := health.NewMCPProber(health.MCPProberConfig{})
	if err != nil {
		return fmt.Errorf("creating health prober: %w", err)
	}
	healthScheduler, err := health.NewScheduler(health.SchedulerConfig{
		Store:              regStore,
		Prober:             prober,
		PollInterval:       time.Duration(cfg.Health.PollSeconds) * time.Second,
		CheckInterval:      time.Duration(cfg.Health.IntervalSeconds) * time.Second,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		OnEvent: func(ev health.Event) {
			if ev.Status != ev.PreviousStatus {
				recordEvent("health-monitor", audit.KindHealthChanged, ev.Server, map[string]any{
					"from": string(ev.PreviousStatus),
					"to":   string(ev.Status),
				})
			}
			metrics.HandleHealthEvent(ev)
		},
	})
	if err != nil {
		return fmt.Errorf("creating health scheduler: %w", err)
	}
	if err := healthScheduler.Start(cmd.Context()); err != nil {
		return fmt.Errorf("starting health scheduler: %w", err)
	}
	defer func() {
		_ = healthScheduler.Stop(context.Background())
	}()

	workflowScheduler, err := workflow.NewScheduler(workflow.SchedulerConfig{
		Store:        wfStore,
		Engine:       engine,
		PollInterval: schedulePoll,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating workflow scheduler: %w", err)
	}
	if err := workflowScheduler.Start(cmd.Context()); err != nil {
		return fmt.Errorf("starting workflow scheduler: %w", err)
	}
	defer func() {
		_ = workflowScheduler.Stop(context.Background())
	}()

	serverCfg := server.ServerConfig{
		Manager:    manager,
		Registry:   regStore,
		Prober:     prober,
		Clients:    clientStore,
		Processor:  processor,
		Documents:  docStore,
		Workflows:  wfStore,
		Runs:       wfStore,
		Engine:     engine,
		Audit:      trail,
		CORSOrigin: cfg.CORSOrigin,
		MaxBody:    cfg.MaxBody,
		Logger:     logger,
	}
	if cfg.HostSettingsPath != "" {
		host, err := registry.NewHostSettingsFile(cfg.HostSettingsPath)
		if err != nil {
			return fmt.Errorf("opening host settings: %w", err)
		}
		serverCfg.Host = host
	}
	api := server.NewServer(serverCfg)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "cpaagent daemon listening on %s\n", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// applyStartupServers upserts config-declared servers that are not yet
// registered. They start unverified; the health scheduler promotes them.
func applyStartupServers(ctx context.Context, cfg config.Config, store registry.Store, logger *slog.Logger) error {
	regs, err := cfg.ServerRegistrations()
	if err != nil {
		return err
	}
	for _, reg := range regs {
		_, exists, err := store.Get(ctx, reg.Name)
		if err != nil {
			return fmt.Errorf("checking startup server %q: %w", reg.Name, err)
		}
		if exists {
			continue
		}
		reg.RegisteredAt = time.Now().UTC()
		if err := store.Upsert(ctx, reg); err != nil {
			return fmt.Errorf("registering startup server %q: %w", reg.Name, err)
		}
		logger.Info("registered startup server", "server", reg.Name)
	}
	return nil
}
