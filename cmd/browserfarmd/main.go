package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"browserfarm/internal/api"
	"browserfarm/internal/config"
	"browserfarm/internal/core"
	"browserfarm/internal/logging"
	browserfarmmcp "browserfarm/internal/mcp"
	"browserfarm/internal/notify"
	"browserfarm/internal/provider"
	"browserfarm/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.EventRetention)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	queue := provider.NewRequestQueue(provider.DefaultQueueConfig(), logger)
	queue.Start(ctx)

	providerCfg := provider.DefaultConfig()
	providerCfg.BaseURL = cfg.Provider.BaseURL
	providerCfg.APIKey = cfg.Provider.APIKey
	client, err := provider.Connect(ctx, providerCfg, queue, cfg.Provider.DemoFallback, logger)
	if err != nil {
		logger.Error("connect provider", "err", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = &notify.NoOpNotifier{}
	if cfg.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Bark.URL)
		if err != nil {
			logger.Error("configure bark notifier", "err", err)
			os.Exit(1)
		}
		notifier = bark
	}

	pool := core.NewProxyPool(storeInst, logger)
	orchestrator := core.NewOrchestrator(storeInst, client, pool, notifier, logger, core.DefaultIntervals())

	defaults := defaultSettings(cfg)

	switch cfg.Mode {
	case "http", "":
		runHTTPMode(cfg, storeInst, orchestrator, defaults, logger, ctx)
	case "mcp":
		runMCPMode(storeInst, orchestrator, defaults, logger, ctx, cancel)
	case "both":
		runBothMode(cfg, storeInst, orchestrator, defaults, logger, ctx)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

func defaultSettings(cfg *config.Config) core.Settings {
	devices := make([]core.DeviceType, 0, len(cfg.Orchestrator.DeviceTypes))
	for _, d := range cfg.Orchestrator.DeviceTypes {
		devices = append(devices, core.DeviceType(d))
	}
	return core.Settings{
		MaxConcurrentProfiles: cfg.Orchestrator.MaxConcurrentProfiles,
		TargetURL:             cfg.Orchestrator.TargetURL,
		DeviceTypes:           devices,
		ProfileRotationDelay:  cfg.Orchestrator.ProfileRotationDelay,
		TaskDurationMin:       cfg.Orchestrator.TaskDurationMin,
		TaskDurationMax:       cfg.Orchestrator.TaskDurationMax,
		AutoDelete:            cfg.Orchestrator.AutoDelete,
		InstantRecycle:        cfg.Orchestrator.InstantRecycle,
		ProxyRotation:         cfg.Orchestrator.ProxyRotation,
	}
}

// runHTTPMode starts only the HTTP server.
func runHTTPMode(cfg *config.Config, storeInst *store.Store, orchestrator *core.Orchestrator, defaults core.Settings, logger *slog.Logger, ctx context.Context) {
	server, err := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, orchestrator, defaults, logger)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdown(cfg, server, orchestrator, logger)
}

// runMCPMode starts only the MCP server.
func runMCPMode(storeInst *store.Store, orchestrator *core.Orchestrator, defaults core.Settings, logger *slog.Logger, ctx context.Context, cancel context.CancelFunc) {
	mcpServer := browserfarmmcp.NewMCPServer(storeInst, orchestrator, defaults, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		orchestrator.Stop(context.Background())
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

// runBothMode starts both HTTP and MCP servers.
func runBothMode(cfg *config.Config, storeInst *store.Store, orchestrator *core.Orchestrator, defaults core.Settings, logger *slog.Logger, ctx context.Context) {
	mcpServer := browserfarmmcp.NewMCPServer(storeInst, orchestrator, defaults, logger)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server, err := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, orchestrator, defaults, logger)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdown(cfg, server, orchestrator, logger)
	logger.Info("shutdown complete")
}

func shutdown(cfg *config.Config, server *api.Server, orchestrator *core.Orchestrator, logger *slog.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	// Teardown of active profiles is bounded internally, but the process
	// grants a little extra headroom beyond the HTTP drain.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+2*time.Minute)
	defer stopCancel()
	result := orchestrator.Stop(stopCtx)
	if result.WasRunning {
		logger.Info("orchestrator teardown", "torn_down", result.TornDown, "failures", result.Failures, "deadline_hit", result.DeadlineHit)
	}
}
