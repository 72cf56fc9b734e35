package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// healthCheck debounces provider reachability probes. A successful probe is
// cached for ttl; concurrent callers share one in-flight probe instead of
// issuing duplicates.
type healthCheck struct {
	probe func(ctx context.Context) error
	ttl   time.Duration

	group singleflight.Group

	mu       sync.Mutex
	lastOK   time.Time
	now      func() time.Time
}

func newHealthCheck(probe func(ctx context.Context) error, ttl time.Duration) *healthCheck {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &healthCheck{
		probe: probe,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Check returns nil when the provider was recently reachable or a fresh
// probe succeeds.
func (h *healthCheck) Check(ctx context.Context) error {
	h.mu.Lock()
	fresh := !h.lastOK.IsZero() && h.now().Sub(h.lastOK) < h.ttl
	h.mu.Unlock()
	if fresh {
		return nil
	}
	_, err, _ := h.group.Do("probe", func() (any, error) {
		if err := h.probe(ctx); err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.lastOK = h.now()
		h.mu.Unlock()
		return nil, nil
	})
	return err
}
