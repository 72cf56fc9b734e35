package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"browserfarm/internal/core"
	"browserfarm/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the orchestrator control surface as MCP tools.
type MCPServer struct {
	store        *store.Store
	orchestrator *core.Orchestrator
	defaults     core.Settings
	logger       *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, orchestrator *core.Orchestrator, defaults core.Settings, logger *slog.Logger) *MCPServer {
	return &MCPServer{
		store:        store,
		orchestrator: orchestrator,
		defaults:     defaults,
		logger:       logger,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"browserfarm",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("farm_start",
		mcp.WithDescription("Start the profile lifecycle orchestrator. Omitted fields use the configured defaults."),
		mcp.WithNumber("max_concurrent_profiles",
			mcp.Description("Concurrency ceiling for active profiles"),
			mcp.Min(1),
		),
		mcp.WithString("target_url",
			mcp.Description("URL every launched profile opens"),
		),
		mcp.WithBoolean("auto_delete",
			mcp.Description("Delete profiles after recycling instead of marking them stopped"),
		),
		mcp.WithBoolean("proxy_rotation",
			mcp.Description("Assign proxies from the pool to launched profiles"),
		),
	), s.handleStart)

	mcpServer.AddTool(mcp.NewTool("farm_stop",
		mcp.WithDescription("Stop the orchestrator and tear down all tracked profiles"),
	), s.handleStop)

	mcpServer.AddTool(mcp.NewTool("farm_emergency_stop",
		mcp.WithDescription("Stop the orchestrator and force-stop every tracked provider session, ignoring errors"),
	), s.handleEmergencyStop)

	mcpServer.AddTool(mcp.NewTool("farm_stats",
		mcp.WithDescription("Show orchestrator status, counters and active profiles"),
	), s.handleStats)

	mcpServer.AddTool(mcp.NewTool("farm_update_settings",
		mcp.WithDescription("Update orchestrator settings; effective on the next tick"),
		mcp.WithNumber("max_concurrent_profiles",
			mcp.Description("Concurrency ceiling for active profiles"),
			mcp.Min(1),
		),
		mcp.WithString("target_url",
			mcp.Description("URL every launched profile opens"),
		),
		mcp.WithBoolean("auto_delete",
			mcp.Description("Delete profiles after recycling"),
		),
		mcp.WithBoolean("proxy_rotation",
			mcp.Description("Assign proxies from the pool"),
		),
	), s.handleUpdateSettings)

	mcpServer.AddTool(mcp.NewTool("farm_list_profiles",
		mcp.WithDescription("List profiles, optionally filtered by status"),
		mcp.WithString("status",
			mcp.Description("Filter: created, launching, running, completed, error or stopped"),
			mcp.Enum("created", "launching", "running", "completed", "error", "stopped"),
		),
	), s.handleListProfiles)

	mcpServer.AddTool(mcp.NewTool("farm_list_proxies",
		mcp.WithDescription("List the proxy pool with assignment state"),
	), s.handleListProxies)

	s.logger.Info("MCP tools registered", "count", 7)
}

func (s *MCPServer) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	settings := s.defaults
	if max := mcp.ParseFloat64(request, "max_concurrent_profiles", 0); max >= 1 {
		settings.MaxConcurrentProfiles = int(max)
	}
	if target := mcp.ParseString(request, "target_url", ""); target != "" {
		settings.TargetURL = target
	}
	settings.AutoDelete = mcp.ParseBoolean(request, "auto_delete", settings.AutoDelete)
	settings.ProxyRotation = mcp.ParseBoolean(request, "proxy_rotation", settings.ProxyRotation)

	if err := s.orchestrator.Start(ctx, settings); err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			return mcp.NewToolResultText("Orchestrator is already running."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Start failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Orchestrator started.\nMax concurrent profiles: %d\nTarget URL: %s",
		settings.MaxConcurrentProfiles, settings.TargetURL)), nil
}

func (s *MCPServer) handleStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := s.orchestrator.Stop(ctx)
	if !result.WasRunning {
		return mcp.NewToolResultText("Orchestrator was not running."), nil
	}
	text := fmt.Sprintf("Orchestrator stopped.\nTorn down: %d\nFailures: %d", result.TornDown, result.Failures)
	if result.DeadlineHit {
		text += "\nTeardown deadline hit before all profiles finished."
	}
	return mcp.NewToolResultText(text), nil
}

func (s *MCPServer) handleEmergencyStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := s.orchestrator.EmergencyStop(ctx)
	return mcp.NewToolResultText(fmt.Sprintf("Emergency stop finished.\nTorn down: %d\nFailures: %d\nForce-stopped sessions: %d",
		result.TornDown, result.Failures, result.ForceStopped)), nil
}

func (s *MCPServer) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.orchestrator.GetStats()
	state := "stopped"
	if stats.Running {
		state = "running"
	}
	result := fmt.Sprintf("State: %s\n", state)
	if stats.StartedAt != nil {
		result += fmt.Sprintf("Started: %s\n", stats.StartedAt.UTC().Format(time.RFC3339))
	}
	result += fmt.Sprintf("Launched: %d\nCompleted: %d\nErrors: %d\n", stats.TotalLaunched, stats.TotalCompleted, stats.TotalErrors)
	result += fmt.Sprintf("Throughput: %.1f profiles/hour\nSuccess rate: %.0f%%\n", stats.ProfilesPerHour, stats.SuccessRate*100)
	if len(stats.ActiveProfiles) > 0 {
		result += fmt.Sprintf("\nActive profiles (%d):\n", len(stats.ActiveProfiles))
		for _, p := range stats.ActiveProfiles {
			result += fmt.Sprintf("  %s (%s) elapsed %s, remaining %s\n",
				p.ProfileID, p.DeviceType, p.Elapsed.Round(time.Second), p.Remaining.Round(time.Second))
		}
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleUpdateSettings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var patch core.SettingsPatch
	if max := mcp.ParseFloat64(request, "max_concurrent_profiles", 0); max >= 1 {
		v := int(max)
		patch.MaxConcurrentProfiles = &v
	}
	if target := mcp.ParseString(request, "target_url", ""); target != "" {
		patch.TargetURL = &target
	}
	current := s.orchestrator.Settings()
	if v := mcp.ParseBoolean(request, "auto_delete", current.AutoDelete); v != current.AutoDelete {
		patch.AutoDelete = &v
	}
	if v := mcp.ParseBoolean(request, "proxy_rotation", current.ProxyRotation); v != current.ProxyRotation {
		patch.ProxyRotation = &v
	}

	settings, err := s.orchestrator.UpdateSettings(patch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Update failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Settings updated.\nMax concurrent profiles: %d\nTarget URL: %s\nAuto delete: %t\nProxy rotation: %t",
		settings.MaxConcurrentProfiles, settings.TargetURL, settings.AutoDelete, settings.ProxyRotation)), nil
}

func (s *MCPServer) handleListProfiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statusStr := mcp.ParseString(request, "status", "")
	var statusFilter *core.ProfileStatus
	if statusStr != "" {
		status := core.ProfileStatus(statusStr)
		statusFilter = &status
	}

	profiles, err := s.store.ListProfiles(ctx, statusFilter)
	if err != nil {
		s.logger.Error("list profiles", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list profiles: %v", err)), nil
	}
	if len(profiles) == 0 {
		return mcp.NewToolResultText("No profiles found."), nil
	}

	result := fmt.Sprintf("Found %d profiles:\n\n", len(profiles))
	for _, p := range profiles {
		result += fmt.Sprintf("%s [%s] %s\n", p.ID, p.Status, p.DeviceType)
		if p.ProviderID != nil {
			result += fmt.Sprintf("  Provider id: %s\n", *p.ProviderID)
		}
		if p.ProxyID != nil {
			result += fmt.Sprintf("  Proxy: %s\n", *p.ProxyID)
		}
		if p.LaunchedAt != nil {
			result += fmt.Sprintf("  Launched: %s\n", p.LaunchedAt.UTC().Format(time.RFC3339))
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleListProxies(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	proxies, err := s.store.ListProxies(ctx)
	if err != nil {
		s.logger.Error("list proxies", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list proxies: %v", err)), nil
	}
	if len(proxies) == 0 {
		return mcp.NewToolResultText("The proxy pool is empty."), nil
	}

	result := fmt.Sprintf("Found %d proxies:\n\n", len(proxies))
	for _, p := range proxies {
		state := "free"
		if p.AssignedProfile != nil {
			state = "assigned to " + *p.AssignedProfile
		}
		if !p.Active {
			state = "inactive"
		}
		result += fmt.Sprintf("%s %s://%s:%d (%s)\n", p.ID, p.Protocol, p.Address, p.Port, state)
	}
	return mcp.NewToolResultText(result), nil
}
