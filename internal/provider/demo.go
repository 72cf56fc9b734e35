package provider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DemoClient synthesizes successful provider responses so the orchestrator
// can run deterministically when no real provider is reachable.
type DemoClient struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]bool
	groups   []Group
}

// NewDemoClient constructs an offline client with one default group.
func NewDemoClient(logger *slog.Logger) *DemoClient {
	return &DemoClient{
		logger:   logger,
		sessions: make(map[string]bool),
		groups: []Group{
			{ID: "demo-group-1", Name: "browserfarm"},
		},
	}
}

func (d *DemoClient) Demo() bool { return true }

func (d *DemoClient) CheckConnection(ctx context.Context) error { return nil }

func (d *DemoClient) CreateProfile(ctx context.Context, spec CreateProfileSpec) (string, error) {
	id := "demo-" + uuid.NewString()
	d.mu.Lock()
	d.sessions[id] = false
	d.mu.Unlock()
	d.logger.Debug("demo profile created", "provider_id", id, "device", spec.DeviceType)
	return id, nil
}

func (d *DemoClient) StartProfile(ctx context.Context, providerID string) error {
	d.mu.Lock()
	d.sessions[providerID] = true
	d.mu.Unlock()
	return nil
}

func (d *DemoClient) StopProfile(ctx context.Context, providerID string) error {
	d.mu.Lock()
	d.sessions[providerID] = false
	d.mu.Unlock()
	return nil
}

func (d *DemoClient) DeleteProfile(ctx context.Context, providerID string) error {
	d.mu.Lock()
	delete(d.sessions, providerID)
	d.mu.Unlock()
	return nil
}

func (d *DemoClient) ForceDeleteProfile(ctx context.Context, providerID string, maxAttempts int) error {
	return d.DeleteProfile(ctx, providerID)
}

func (d *DemoClient) ProfileActive(ctx context.Context, providerID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[providerID], nil
}

func (d *DemoClient) ListGroups(ctx context.Context) ([]Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Group(nil), d.groups...), nil
}

func (d *DemoClient) CreateGroup(ctx context.Context, name string) (Group, error) {
	group := Group{ID: "demo-group-" + uuid.NewString()[:8], Name: name}
	d.mu.Lock()
	d.groups = append(d.groups, group)
	d.mu.Unlock()
	return group, nil
}

// Connect probes the provider and returns the real client, or the demo
// client when the provider is unreachable and fallback is allowed.
func Connect(ctx context.Context, cfg Config, queue *RequestQueue, demoFallback bool, logger *slog.Logger) (Client, error) {
	real := NewHTTPClient(cfg, queue, logger)
	err := real.CheckConnection(ctx)
	if err == nil {
		return real, nil
	}
	if demoFallback {
		logger.Warn("provider unreachable, entering demo mode", "err", err)
		return NewDemoClient(logger), nil
	}
	return real, nil
}
