package core

import (
	"context"
	"log/slog"
)

// ProxyPool hands out proxies exclusively to profiles, least-recently-used
// first. Assignment and release are owned by the orchestration path; the
// store enforces the exclusivity invariant with a conditional update.
type ProxyPool struct {
	store  Store
	logger *slog.Logger
}

// NewProxyPool constructs a pool over the store.
func NewProxyPool(store Store, logger *slog.Logger) *ProxyPool {
	return &ProxyPool{store: store, logger: logger}
}

// AcquireNext claims the unassigned active proxy with the oldest last-used
// time, ties broken by creation order. Returns nil when none is eligible;
// that is a normal outcome, not an error.
func (p *ProxyPool) AcquireNext(ctx context.Context, profileID string) (*Proxy, error) {
	proxy, err := p.store.AcquireNextProxy(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if proxy == nil {
		p.logger.Debug("no proxy available", "profile_id", profileID)
		return nil, nil
	}
	p.logger.Debug("proxy acquired", "proxy_id", proxy.ID, "profile_id", profileID)
	return proxy, nil
}

// Release clears the proxy's assignment. Idempotent: releasing a free proxy
// is a no-op.
func (p *ProxyPool) Release(ctx context.Context, proxyID string) error {
	if proxyID == "" {
		return nil
	}
	return p.store.ReleaseProxy(ctx, proxyID)
}
