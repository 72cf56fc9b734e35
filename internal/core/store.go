package core

import (
	"context"
	"time"
)

// Store abstracts the persistence layer used by the orchestrator. The
// durable rows are the source of truth for slot accounting and status
// transitions across restarts; the in-memory sets are a hot-path cache.
type Store interface {
	// Profile operations
	InsertProfile(ctx context.Context, profile *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	ListProfiles(ctx context.Context, status *ProfileStatus) ([]*Profile, error)
	CountProfilesByStatus(ctx context.Context, statuses []ProfileStatus) (int, error)
	UpdateProfileStatus(ctx context.Context, id string, status ProfileStatus) error
	SetProfileProviderID(ctx context.Context, id, providerID string) error
	SetProfileProxy(ctx context.Context, id, proxyID string) error
	MarkProfileLaunched(ctx context.Context, id string, launchedAt time.Time) error
	MarkProfileCompleted(ctx context.Context, id string) error
	DeleteProfile(ctx context.Context, id string) error
	PruneProfiles(ctx context.Context, olderThan time.Time) (int64, error)

	// Proxy operations
	AcquireNextProxy(ctx context.Context, profileID string) (*Proxy, error)
	ReleaseProxy(ctx context.Context, proxyID string) error

	// Event log
	AppendEvent(ctx context.Context, event *Event) error
	PruneEvents(ctx context.Context) (int64, error)
}
