package core

import (
	"fmt"
	"time"
)

// ProfileStatus describes the lifecycle state of a browser profile.
type ProfileStatus string

const (
	ProfileStatusCreated   ProfileStatus = "created"
	ProfileStatusLaunching ProfileStatus = "launching"
	ProfileStatusRunning   ProfileStatus = "running"
	ProfileStatusCompleted ProfileStatus = "completed"
	ProfileStatusError     ProfileStatus = "error"
	ProfileStatusStopped   ProfileStatus = "stopped"
)

// ActiveStatuses is the status set that counts against the concurrency ceiling.
var ActiveStatuses = []ProfileStatus{ProfileStatusLaunching, ProfileStatusRunning}

// DeviceType selects the fingerprint template used when creating a profile.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMacLike DeviceType = "maclike"
	DeviceMobile  DeviceType = "mobile"
)

// ValidDeviceType reports whether the given value is a known device type.
func ValidDeviceType(d DeviceType) bool {
	switch d {
	case DeviceDesktop, DeviceMacLike, DeviceMobile:
		return true
	}
	return false
}

// Profile represents one unit of automated browser work.
type Profile struct {
	ID         string
	ProviderID *string
	Name       *string
	DeviceType DeviceType
	TargetURL  string
	ProxyID    *string
	Status     ProfileStatus
	Completed  bool
	LaunchedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Proxy is a network egress credential set assignable to at most one profile.
type Proxy struct {
	ID              string
	Address         string
	Port            int
	Username        *string
	Password        *string
	Protocol        string
	Active          bool
	AssignedProfile *string
	LastUsedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// URL renders the proxy in scheme://host:port form, without credentials.
func (p *Proxy) URL() string {
	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.Address, p.Port)
}

// ActiveProfile is the orchestrator's in-memory runtime record for a profile
// whose status is launching or running. The persisted row is eventually
// consistent with it.
type ActiveProfile struct {
	ProfileID    string
	ProviderID   string
	DeviceType   DeviceType
	ProxyID      *string
	TargetURL    string
	LaunchedAt   time.Time
	TaskDuration time.Duration
}

// Elapsed returns the time spent since launch.
func (a *ActiveProfile) Elapsed(now time.Time) time.Duration {
	return now.Sub(a.LaunchedAt)
}

// Remaining returns the time left before the profile is considered done.
// Never negative.
func (a *ActiveProfile) Remaining(now time.Time) time.Duration {
	left := a.TaskDuration - a.Elapsed(now)
	if left < 0 {
		return 0
	}
	return left
}

// Settings is the orchestrator configuration surface consumed at Start.
type Settings struct {
	MaxConcurrentProfiles int           `json:"max_concurrent_profiles"`
	TargetURL             string        `json:"target_url"`
	DeviceTypes           []DeviceType  `json:"device_types"`
	ProfileRotationDelay  time.Duration `json:"profile_rotation_delay"`
	TaskDurationMin       time.Duration `json:"task_duration_min"`
	TaskDurationMax       time.Duration `json:"task_duration_max"`
	AutoDelete            bool          `json:"auto_delete"`
	InstantRecycle        bool          `json:"instant_recycle"`
	ProxyRotation         bool          `json:"proxy_rotation"`
}

// Validate checks the settings invariants required before Start.
func (s *Settings) Validate() error {
	if s.MaxConcurrentProfiles < 1 {
		return fmt.Errorf("max_concurrent_profiles must be >= 1")
	}
	if s.TargetURL == "" {
		return fmt.Errorf("target_url is required")
	}
	if len(s.DeviceTypes) == 0 {
		return fmt.Errorf("device_types must not be empty")
	}
	for _, d := range s.DeviceTypes {
		if !ValidDeviceType(d) {
			return fmt.Errorf("unknown device type %q", d)
		}
	}
	if s.TaskDurationMin <= 0 || s.TaskDurationMax < s.TaskDurationMin {
		return fmt.Errorf("task duration range is invalid")
	}
	return nil
}

// SettingsPatch carries a partial settings update. Nil fields are left as-is.
type SettingsPatch struct {
	MaxConcurrentProfiles *int           `json:"max_concurrent_profiles,omitempty"`
	TargetURL             *string        `json:"target_url,omitempty"`
	DeviceTypes           []DeviceType   `json:"device_types,omitempty"`
	ProfileRotationDelay  *time.Duration `json:"profile_rotation_delay,omitempty"`
	TaskDurationMin       *time.Duration `json:"task_duration_min,omitempty"`
	TaskDurationMax       *time.Duration `json:"task_duration_max,omitempty"`
	AutoDelete            *bool          `json:"auto_delete,omitempty"`
	InstantRecycle        *bool          `json:"instant_recycle,omitempty"`
	ProxyRotation         *bool          `json:"proxy_rotation,omitempty"`
}

// Apply merges the patch into a copy of base and returns it.
func (p *SettingsPatch) Apply(base Settings) Settings {
	out := base
	if p.MaxConcurrentProfiles != nil {
		out.MaxConcurrentProfiles = *p.MaxConcurrentProfiles
	}
	if p.TargetURL != nil {
		out.TargetURL = *p.TargetURL
	}
	if len(p.DeviceTypes) > 0 {
		out.DeviceTypes = append([]DeviceType(nil), p.DeviceTypes...)
	}
	if p.ProfileRotationDelay != nil {
		out.ProfileRotationDelay = *p.ProfileRotationDelay
	}
	if p.TaskDurationMin != nil {
		out.TaskDurationMin = *p.TaskDurationMin
	}
	if p.TaskDurationMax != nil {
		out.TaskDurationMax = *p.TaskDurationMax
	}
	if p.AutoDelete != nil {
		out.AutoDelete = *p.AutoDelete
	}
	if p.InstantRecycle != nil {
		out.InstantRecycle = *p.InstantRecycle
	}
	if p.ProxyRotation != nil {
		out.ProxyRotation = *p.ProxyRotation
	}
	return out
}

// ActiveProfileView is the stats projection of one active profile.
type ActiveProfileView struct {
	ProfileID  string        `json:"profile_id"`
	ProviderID string        `json:"provider_id"`
	DeviceType DeviceType    `json:"device_type"`
	ProxyID    *string       `json:"proxy_id,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Remaining  time.Duration `json:"remaining"`
}

// Stats is the aggregate snapshot returned by the orchestrator.
type Stats struct {
	Running           bool                `json:"running"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	Settings          Settings            `json:"settings"`
	TotalLaunched     int64               `json:"total_launched"`
	TotalCompleted    int64               `json:"total_completed"`
	TotalErrors       int64               `json:"total_errors"`
	ProfilesPerHour   float64             `json:"profiles_per_hour"`
	SuccessRate       float64             `json:"success_rate"`
	ActiveProfiles    []ActiveProfileView `json:"active_profiles"`
	CompletedAwaiting int                 `json:"completed_awaiting_recycle"`
}

// EventLevel classifies orchestrator event rows.
type EventLevel string

const (
	EventInfo  EventLevel = "info"
	EventWarn  EventLevel = "warn"
	EventError EventLevel = "error"
)

// Event is an append-only orchestrator log row, pruned by the cleaner.
type Event struct {
	ID        string
	ProfileID *string
	Level     EventLevel
	Message   string
	CreatedAt time.Time
}
