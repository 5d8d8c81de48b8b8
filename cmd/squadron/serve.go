package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/squadron-hq/squadron/pkg/api"
	"github.com/squadron-hq/squadron/pkg/bridge"
	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/database"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/forge"
	"github.com/squadron-hq/squadron/pkg/gate"
	"github.com/squadron-hq/squadron/pkg/lifecycle"
	"github.com/squadron-hq/squadron/pkg/masking"
	"github.com/squadron-hq/squadron/pkg/metrics"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/pipeline"
	"github.com/squadron-hq/squadron/pkg/reconcile"
	"github.com/squadron-hq/squadron/pkg/registry"
	"github.com/squadron-hq/squadron/pkg/router"
)

const httpShutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configDir)
		},
	}
	cmd.Flags().StringVar(&configDir, "config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	return cmd
}

func runServe(ctx context.Context, configDir string) error {
	// .env is optional; a missing file just means the environment is already
	// set up.
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	instanceID := resolveInstanceID()
	slog.Info("Starting squadron",
		"http_port", httpPort, "instance_id", instanceID, "config_dir", configDir)

	// 1. Gate checks first: the config validator needs the full check-name
	// set, custom plugins included.
	gates := gate.NewRegistry()

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := gates.LoadPlugins(cfg.CustomChecks); err != nil {
		return fmt.Errorf("failed to load custom gate checks: %w", err)
	}
	if err := config.NewValidator(cfg, gates.KnownTypes()).ValidateAll(); err != nil {
		return fmt.Errorf("%w: %w", config.ErrValidationFailed, err)
	}
	slog.Info("Configuration initialized",
		"pipelines", len(cfg.Pipelines), "gate_checks", len(gates.Names()))

	// 2. Registry database.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load database config: %w", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	store := registry.NewStore(dbClient)
	slog.Info("Registry database connected", "driver", dbClient.Driver())

	// 3. Activity log (separate single-writer sqlite file).
	activity, err := events.OpenActivityLog(getEnv("ACTIVITY_DB_PATH", "./activity.db"))
	if err != nil {
		return fmt.Errorf("failed to open activity log: %w", err)
	}
	defer func() {
		if err := activity.Close(); err != nil {
			slog.Error("Error closing activity log", "error", err)
		}
	}()
	activity.SetMasker(masking.NewMasker().Mask)

	// 4. Forge client with retry policy.
	fg := forge.NewRetryClient(forge.NewHTTPClient(cfg.System.Forge), cfg.System.Forge.Retry)

	// 5. Lifecycle manager and the agent runtime bridge.
	agents := lifecycle.NewManager(store, activity, cfg.System.Agents, instanceID, cfg.System.WorktreeRoot)
	runtime := strings.Fields(getEnv("AGENT_RUNTIME", "squadron-agent"))
	if len(runtime) == 0 {
		return fmt.Errorf("AGENT_RUNTIME must name the agent runtime command")
	}
	runner := bridge.NewExecRunner(runtime[0], runtime[1:], agents.HandleSignal)
	agents.BindRunner(runner)

	// 6. Pipeline engine over the live definition store.
	defs := config.NewDefinitionStore(cfg, filepath.Join(configDir, "pipelines"), gates.KnownTypes())
	engine := pipeline.NewEngine(store, defs, agents, gate.NewEvaluator(gates), fg, activity, cfg.System)

	// 7. Event router; the engine republishes synthetic agent.* events into it.
	rt := router.New(store, activity, agents, engine, cfg.System.Router, cfg.System.BotIdentity)
	engine.SetEmitter(func(ev *models.Event) {
		if err := rt.Emit(ev); err != nil {
			slog.Error("Failed to emit synthetic event", "type", ev.Type, "error", err)
		}
	})

	// 8. Reconciler: settle agents and rehydrate runs before any new event is
	// processed, then sweep periodically.
	rec := reconcile.New(store, activity, engine, agents, runner, fg, cfg.System, instanceID)
	if err := rec.RecoverStartup(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	rt.Start()
	rec.Start()
	metrics.RegisterActiveAgents(agents.ActiveCount)

	// 9. Definition hot-reload watcher.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		if err := defs.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			slog.Error("Pipeline definition watcher stopped", "error", err)
		}
	}()

	// 10. HTTP API.
	srv := api.NewServer(store, defs, activity, engine, dbClient, cfg.System, instanceID)
	srv.BindStats(rt, agents, rec)
	srv.BindEmitter(rt)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(":" + httpPort); err != nil {
			errCh <- err
		}
	}()
	slog.Info("Squadron started", "instance_id", instanceID, "lanes", rt.Lanes())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down")
	}

	// Intake first: stop accepting events, drain the lanes' in-flight work.
	rt.Stop()
	rec.Stop()
	stopWatch()

	// Heartbeats and watchdogs stop; live runtime sessions stay running and
	// are adopted by the next instance on startup.
	agents.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
