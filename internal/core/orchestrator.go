package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"browserfarm/internal/notify"
	"browserfarm/internal/provider"
)

var (
	// ErrAlreadyRunning is returned by Start when the orchestrator is
	// already active. Starting twice never spawns duplicate loops.
	ErrAlreadyRunning = errors.New("orchestrator already running")

	// ErrProviderUnreachable is returned by Start when the provider cannot
	// be verified and the client is not in demo mode.
	ErrProviderUnreachable = errors.New("provider unreachable; start the provider or enable demo mode")
)

// Intervals defines the tick periods of the four periodic processes.
type Intervals struct {
	Launch  time.Duration
	Monitor time.Duration
	Recycle time.Duration
	Clean   time.Duration
}

// DefaultIntervals matches the production cadence.
func DefaultIntervals() Intervals {
	return Intervals{
		Launch:  5 * time.Second,
		Monitor: 10 * time.Second,
		Recycle: 3 * time.Second,
		Clean:   120 * time.Second,
	}
}

// StopResult reports what a Stop call accomplished before returning.
type StopResult struct {
	WasRunning   bool  `json:"was_running"`
	TornDown     int   `json:"torn_down"`
	Failures     int   `json:"failures"`
	DeadlineHit  bool  `json:"deadline_hit"`
	ForceStopped int   `json:"force_stopped,omitempty"`
	Stats        Stats `json:"stats"`
}

// Orchestrator drives the full profile lifecycle: a slot-bounded launcher,
// a completion monitor, a teardown recycler and a housekeeping cleaner, plus
// the synchronous control operations exposed to the admin layer.
type Orchestrator struct {
	store     Store
	client    provider.Client
	pool      *ProxyPool
	notifier  notify.Notifier
	logger    *slog.Logger
	intervals Intervals

	// stopTimeout bounds total teardown latency inside Stop.
	stopTimeout time.Duration
	// forceDeleteAttempts bounds the provider-side delete retry loop.
	forceDeleteAttempts int
	// profileRetention is how long terminal rows are kept before the
	// cleaner prunes them.
	profileRetention time.Duration

	mu        sync.Mutex
	running   bool
	starting  bool
	startedAt time.Time
	settings  Settings
	active    map[string]*ActiveProfile
	completed map[string]*ActiveProfile

	totalLaunched  int64
	totalCompleted int64
	totalErrors    int64

	cron      *cron.Cron
	cancelRun context.CancelFunc

	// test seams
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	randDur func(min, max time.Duration) time.Duration
}

// NewOrchestrator wires the orchestrator's collaborators together. Call
// Start to activate the periodic processes.
func NewOrchestrator(store Store, client provider.Client, pool *ProxyPool, notifier notify.Notifier, logger *slog.Logger, intervals Intervals) *Orchestrator {
	if notifier == nil {
		notifier = &notify.NoOpNotifier{}
	}
	return &Orchestrator{
		store:               store,
		client:              client,
		pool:                pool,
		notifier:            notifier,
		logger:              logger,
		intervals:           intervals,
		stopTimeout:         2 * time.Minute,
		forceDeleteAttempts: 3,
		profileRetention:    24 * time.Hour,
		active:              make(map[string]*ActiveProfile),
		completed:           make(map[string]*ActiveProfile),
		now:                 time.Now,
		sleep:               sleepCtx,
		randDur:             randomDuration,
	}
}

// Start validates settings, verifies provider reachability (demo clients
// always pass) and activates the periodic processes. Idempotent: a second
// Start, including one racing an in-flight Start, returns ErrAlreadyRunning
// without touching the active loops. The caller's ctx covers only the
// synchronous checks; the scheduled jobs run on a context owned by the
// orchestrator, which outlives the HTTP or MCP request that started it.
func (o *Orchestrator) Start(ctx context.Context, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	o.mu.Lock()
	if o.running || o.starting {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.starting = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.starting = false
		o.mu.Unlock()
	}()

	if err := o.client.CheckConnection(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}

	if err := o.recoverStaleProfiles(ctx); err != nil {
		o.logger.Warn("stale profile recovery failed", "err", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(o.intervals.Launch), cron.FuncJob(func() { o.launchTick(runCtx) }))
	c.Schedule(cron.Every(o.intervals.Monitor), cron.FuncJob(func() { o.monitorTick(runCtx) }))
	c.Schedule(cron.Every(o.intervals.Recycle), cron.FuncJob(func() { o.recycleTick(runCtx) }))
	c.Schedule(cron.Every(o.intervals.Clean), cron.FuncJob(func() { o.cleanTick(runCtx) }))

	o.mu.Lock()
	o.running = true
	o.startedAt = o.now()
	o.settings = settings
	o.cron = c
	o.cancelRun = cancel
	o.totalLaunched = 0
	o.totalCompleted = 0
	o.totalErrors = 0
	o.mu.Unlock()

	c.Start()
	o.logger.Info("orchestrator started",
		"max_concurrent", settings.MaxConcurrentProfiles,
		"demo", o.client.Demo())
	o.recordEvent(ctx, EventInfo, nil, "orchestrator started")
	o.notify(ctx, "browserfarm started", fmt.Sprintf("max %d concurrent profiles", settings.MaxConcurrentProfiles))
	return nil
}

// recoverStaleProfiles marks rows left in an active status by a previous
// process as errored and frees their proxies, so they stop consuming slots.
func (o *Orchestrator) recoverStaleProfiles(ctx context.Context) error {
	for _, status := range ActiveStatuses {
		st := status
		profiles, err := o.store.ListProfiles(ctx, &st)
		if err != nil {
			return err
		}
		for _, profile := range profiles {
			o.logger.Warn("recovering stale profile", "profile_id", profile.ID, "status", profile.Status)
			if profile.ProxyID != nil {
				if err := o.pool.Release(ctx, *profile.ProxyID); err != nil {
					o.logger.Warn("release stale proxy", "proxy_id", *profile.ProxyID, "err", err)
				}
			}
			if err := o.store.UpdateProfileStatus(ctx, profile.ID, ProfileStatusError); err != nil {
				o.logger.Warn("mark stale profile errored", "profile_id", profile.ID, "err", err)
			}
		}
	}
	return nil
}

// Stop deactivates the periodic processes and tears down every tracked
// profile. Teardown is raced against a hard deadline: the caller is always
// released by then, reporting whatever completed. Idempotent.
func (o *Orchestrator) Stop(ctx context.Context) StopResult {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return StopResult{WasRunning: false, Stats: o.statsLocked()}
	}
	o.running = false
	c := o.cron
	o.cron = nil
	cancel := o.cancelRun
	o.cancelRun = nil
	records := make([]*ActiveProfile, 0, len(o.active)+len(o.completed))
	for _, rec := range o.active {
		records = append(records, rec)
	}
	for _, rec := range o.completed {
		records = append(records, rec)
	}
	o.active = make(map[string]*ActiveProfile)
	o.completed = make(map[string]*ActiveProfile)
	o.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	if cancel != nil {
		cancel()
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, o.stopTimeout)
	defer cancel()

	type progress struct {
		torn, failed int
	}
	done := make(chan progress, 1)
	var mu sync.Mutex
	current := progress{}
	go func() {
		for _, rec := range records {
			err := o.teardown(deadlineCtx, rec)
			mu.Lock()
			if err != nil {
				current.failed++
				o.logger.Warn("teardown during stop failed", "profile_id", rec.ProfileID, "err", err)
			} else {
				current.torn++
			}
			mu.Unlock()
		}
		done <- current
	}()

	result := StopResult{WasRunning: true}
	select {
	case p := <-done:
		result.TornDown = p.torn
		result.Failures = p.failed
	case <-deadlineCtx.Done():
		mu.Lock()
		result.TornDown = current.torn
		result.Failures = current.failed
		mu.Unlock()
		result.DeadlineHit = true
		o.logger.Warn("stop deadline hit before all teardowns finished",
			"torn_down", result.TornDown, "pending", len(records)-result.TornDown-result.Failures)
	}

	o.logger.Info("orchestrator stopped", "torn_down", result.TornDown, "failures", result.Failures)
	o.recordEvent(ctx, EventInfo, nil, "orchestrator stopped")
	o.notify(ctx, "browserfarm stopped", fmt.Sprintf("%d profiles torn down, %d failures", result.TornDown, result.Failures))
	result.Stats = o.GetStats()
	return result
}

// EmergencyStop runs Stop, then unconditionally force-stops every profile
// that was still tracked, ignoring individual errors. Last-resort safety
// valve when a graceful stop may have left sessions alive.
func (o *Orchestrator) EmergencyStop(ctx context.Context) StopResult {
	o.mu.Lock()
	tracked := make([]string, 0, len(o.active)+len(o.completed))
	for _, rec := range o.active {
		tracked = append(tracked, rec.ProviderID)
	}
	for _, rec := range o.completed {
		tracked = append(tracked, rec.ProviderID)
	}
	o.mu.Unlock()

	result := o.Stop(ctx)

	for _, providerID := range tracked {
		if providerID == "" {
			continue
		}
		if err := o.client.StopProfile(ctx, providerID); err != nil {
			o.logger.Warn("emergency stop of provider session failed", "provider_id", providerID, "err", err)
			continue
		}
		result.ForceStopped++
	}
	o.logger.Info("emergency stop finished", "force_stopped", result.ForceStopped)
	return result
}

// UpdateSettings merges the patch into the current settings. Takes effect
// on the next tick; profiles already launched are not disturbed.
func (o *Orchestrator) UpdateSettings(patch SettingsPatch) (Settings, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	merged := patch.Apply(o.settings)
	if err := merged.Validate(); err != nil {
		return o.settings, err
	}
	o.settings = merged
	return merged, nil
}

// Settings returns a snapshot of the current settings.
func (o *Orchestrator) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// IsRunning reports whether the periodic processes are active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// GetStats returns the aggregate counters and the active-profile projection.
func (o *Orchestrator) GetStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statsLocked()
}

func (o *Orchestrator) statsLocked() Stats {
	now := o.now()
	stats := Stats{
		Running:           o.running,
		Settings:          o.settings,
		TotalLaunched:     o.totalLaunched,
		TotalCompleted:    o.totalCompleted,
		TotalErrors:       o.totalErrors,
		CompletedAwaiting: len(o.completed),
	}
	if o.running {
		started := o.startedAt
		stats.StartedAt = &started
		hours := now.Sub(started).Hours()
		if hours > 0 {
			stats.ProfilesPerHour = float64(o.totalCompleted) / hours
		}
	}
	attempts := o.totalCompleted + o.totalErrors
	if attempts > 0 {
		stats.SuccessRate = float64(o.totalCompleted) / float64(attempts)
	}
	for _, rec := range o.active {
		stats.ActiveProfiles = append(stats.ActiveProfiles, ActiveProfileView{
			ProfileID:  rec.ProfileID,
			ProviderID: rec.ProviderID,
			DeviceType: rec.DeviceType,
			ProxyID:    rec.ProxyID,
			Elapsed:    rec.Elapsed(now),
			Remaining:  rec.Remaining(now),
		})
	}
	return stats
}

// launchTick launches at most one profile when the persisted active count
// leaves headroom under the concurrency ceiling. One per tick: bursts of
// concurrent creations would race the proxy pool and the provider's rate
// limit.
func (o *Orchestrator) launchTick(ctx context.Context) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	settings := o.settings
	o.mu.Unlock()

	activeCount, err := o.store.CountProfilesByStatus(ctx, ActiveStatuses)
	if err != nil {
		o.logger.Error("count active profiles", "err", err)
		return
	}
	slots := settings.MaxConcurrentProfiles - activeCount
	if slots <= 0 {
		o.logger.Debug("no slots available", "active", activeCount, "max", settings.MaxConcurrentProfiles)
		return
	}

	if err := o.launchOne(ctx, settings); err != nil {
		o.logger.Error("launch failed", "err", err)
	}
	if settings.ProfileRotationDelay > 0 {
		_ = o.sleep(ctx, settings.ProfileRotationDelay)
	}
}

func (o *Orchestrator) launchOne(ctx context.Context, settings Settings) error {
	device := o.nextDeviceType(settings)
	profile := &Profile{
		ID:         NewID(),
		DeviceType: device,
		TargetURL:  settings.TargetURL,
		Status:     ProfileStatusCreated,
	}
	if err := o.store.InsertProfile(ctx, profile); err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	if err := o.store.UpdateProfileStatus(ctx, profile.ID, ProfileStatusLaunching); err != nil {
		return fmt.Errorf("mark launching: %w", err)
	}

	var proxy *Proxy
	if settings.ProxyRotation {
		var err error
		proxy, err = o.pool.AcquireNext(ctx, profile.ID)
		if err != nil {
			o.logger.Warn("proxy acquisition failed, proceeding without", "profile_id", profile.ID, "err", err)
		}
		if proxy != nil {
			if err := o.store.SetProfileProxy(ctx, profile.ID, proxy.ID); err != nil {
				o.logger.Warn("persist proxy assignment", "profile_id", profile.ID, "err", err)
			}
		}
	}

	spec := provider.CreateProfileSpec{
		Name:       "bf-" + profile.ID[:8],
		DeviceType: string(device),
		TargetURL:  settings.TargetURL,
	}
	if proxy != nil {
		spec.ProxyURL = proxy.URL()
		if proxy.Username != nil {
			spec.ProxyUser = *proxy.Username
		}
		if proxy.Password != nil {
			spec.ProxyPass = *proxy.Password
		}
	}

	providerID, err := o.client.CreateProfile(ctx, spec)
	if err != nil || providerID == "" {
		// one manual fallback attempt before giving up on this profile
		o.logger.Warn("automatic profile creation failed, trying manual fallback", "profile_id", profile.ID, "err", err)
		spec.Name = spec.Name + "-manual"
		providerID, err = o.client.CreateProfile(ctx, spec)
	}
	if err != nil || providerID == "" {
		if err == nil {
			err = errors.New("provider returned no profile id")
		}
		o.failLaunch(ctx, profile.ID, proxy, "", err)
		return fmt.Errorf("create profile: %w", err)
	}
	if err := o.store.SetProfileProviderID(ctx, profile.ID, providerID); err != nil {
		o.logger.Warn("persist provider id", "profile_id", profile.ID, "err", err)
	}

	if err := o.client.StartProfile(ctx, providerID); err != nil {
		o.failLaunch(ctx, profile.ID, proxy, providerID, err)
		return fmt.Errorf("start profile: %w", err)
	}

	now := o.now()
	record := &ActiveProfile{
		ProfileID:    profile.ID,
		ProviderID:   providerID,
		DeviceType:   device,
		TargetURL:    settings.TargetURL,
		LaunchedAt:   now,
		TaskDuration: o.randDur(settings.TaskDurationMin, settings.TaskDurationMax),
	}
	if proxy != nil {
		id := proxy.ID
		record.ProxyID = &id
	}

	if err := o.store.MarkProfileLaunched(ctx, profile.ID, now); err != nil {
		o.logger.Warn("persist running status", "profile_id", profile.ID, "err", err)
	}

	o.mu.Lock()
	o.active[profile.ID] = record
	o.totalLaunched++
	o.mu.Unlock()

	o.logger.Info("profile launched", "profile_id", profile.ID, "provider_id", providerID,
		"device", device, "duration", record.TaskDuration)
	o.recordEvent(ctx, EventInfo, &profile.ID, "profile launched")
	return nil
}

// failLaunch marks the profile errored, frees its proxy and, when auto
// delete is on, removes both the provider profile and the local row. The
// launcher never aborts its tick over a single failure.
func (o *Orchestrator) failLaunch(ctx context.Context, profileID string, proxy *Proxy, providerID string, cause error) {
	o.mu.Lock()
	delete(o.active, profileID)
	o.totalErrors++
	settings := o.settings
	o.mu.Unlock()

	o.recordEvent(ctx, EventError, &profileID, "launch failed: "+cause.Error())

	if proxy != nil {
		if err := o.pool.Release(ctx, proxy.ID); err != nil {
			o.logger.Warn("release proxy after failed launch", "proxy_id", proxy.ID, "err", err)
		}
	}
	if err := o.store.UpdateProfileStatus(ctx, profileID, ProfileStatusError); err != nil {
		o.logger.Warn("mark profile errored", "profile_id", profileID, "err", err)
	}
	if settings.AutoDelete {
		if providerID != "" {
			if err := o.client.ForceDeleteProfile(ctx, providerID, o.forceDeleteAttempts); err != nil {
				o.logger.Warn("provider cleanup after failed launch", "provider_id", providerID, "err", err)
			}
		}
		if err := o.store.DeleteProfile(ctx, profileID); err != nil {
			o.logger.Warn("delete errored profile row", "profile_id", profileID, "err", err)
		}
	}
}

// nextDeviceType rotates through the configured device types by total
// launched count.
func (o *Orchestrator) nextDeviceType(settings Settings) DeviceType {
	o.mu.Lock()
	defer o.mu.Unlock()
	return settings.DeviceTypes[int(o.totalLaunched)%len(settings.DeviceTypes)]
}

// monitorTick completes profiles whose task duration has elapsed, and
// (outside demo mode) completes early any profile whose provider session is
// no longer active. Duration is the primary signal: a profile never stays
// running past its allotted time just because the provider reports it live.
func (o *Orchestrator) monitorTick(ctx context.Context) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	snapshot := make([]*ActiveProfile, 0, len(o.active))
	for _, rec := range o.active {
		snapshot = append(snapshot, rec)
	}
	o.mu.Unlock()

	now := o.now()
	for _, rec := range snapshot {
		if rec.Elapsed(now) >= rec.TaskDuration {
			o.completeProfile(ctx, rec, "task duration elapsed")
			continue
		}
		if o.client.Demo() {
			continue
		}
		active, err := o.client.ProfileActive(ctx, rec.ProviderID)
		if err != nil {
			o.logger.Warn("provider status poll failed", "profile_id", rec.ProfileID, "err", err)
			continue
		}
		if !active {
			o.completeProfile(ctx, rec, "provider reported session inactive")
		}
	}
}

// completeProfile moves the record from the active set to the completed set
// and persists the transition.
func (o *Orchestrator) completeProfile(ctx context.Context, rec *ActiveProfile, reason string) {
	o.mu.Lock()
	if _, ok := o.active[rec.ProfileID]; !ok {
		o.mu.Unlock()
		return
	}
	delete(o.active, rec.ProfileID)
	o.completed[rec.ProfileID] = rec
	o.totalCompleted++
	o.mu.Unlock()

	if err := o.store.MarkProfileCompleted(ctx, rec.ProfileID); err != nil {
		o.logger.Warn("persist completed status", "profile_id", rec.ProfileID, "err", err)
	}
	o.logger.Info("profile completed", "profile_id", rec.ProfileID, "reason", reason)
	o.recordEvent(ctx, EventInfo, &rec.ProfileID, "profile completed: "+reason)
}

// recycleTick tears down every completed profile. Gated on the current
// instant-recycle setting, so flipping it mid-run takes effect on the next
// tick. Each id leaves the completed set after exactly one attempt, success
// or not: a stuck profile must not block recycling of the rest, and bounded
// retries already live inside the provider's force delete.
func (o *Orchestrator) recycleTick(ctx context.Context) {
	o.mu.Lock()
	if !o.running || !o.settings.InstantRecycle {
		o.mu.Unlock()
		return
	}
	batch := make([]*ActiveProfile, 0, len(o.completed))
	for id, rec := range o.completed {
		batch = append(batch, rec)
		delete(o.completed, id)
	}
	o.mu.Unlock()

	for _, rec := range batch {
		if err := o.teardown(ctx, rec); err != nil {
			o.logger.Warn("recycle teardown failed", "profile_id", rec.ProfileID, "err", err)
			o.recordEvent(ctx, EventWarn, &rec.ProfileID, "recycle failed: "+err.Error())
		}
	}
}

// teardown stops the provider session, releases the proxy and deletes the
// profile, or marks it stopped when auto delete is off.
func (o *Orchestrator) teardown(ctx context.Context, rec *ActiveProfile) error {
	o.mu.Lock()
	settings := o.settings
	o.mu.Unlock()

	var firstErr error
	if rec.ProviderID != "" {
		if err := o.client.StopProfile(ctx, rec.ProviderID); err != nil {
			o.logger.Warn("stop provider session", "profile_id", rec.ProfileID, "err", err)
			firstErr = err
		}
	}
	if rec.ProxyID != nil {
		if err := o.pool.Release(ctx, *rec.ProxyID); err != nil {
			o.logger.Warn("release proxy", "proxy_id", *rec.ProxyID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if settings.AutoDelete {
		if rec.ProviderID != "" {
			if err := o.client.ForceDeleteProfile(ctx, rec.ProviderID, o.forceDeleteAttempts); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if err := o.store.DeleteProfile(ctx, rec.ProfileID); err != nil {
			o.logger.Warn("delete profile row", "profile_id", rec.ProfileID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	} else {
		if err := o.store.UpdateProfileStatus(ctx, rec.ProfileID, ProfileStatusStopped); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// cleanTick prunes old event rows and stale terminal profiles.
func (o *Orchestrator) cleanTick(ctx context.Context) {
	if pruned, err := o.store.PruneEvents(ctx); err != nil {
		o.logger.Warn("prune events", "err", err)
	} else if pruned > 0 {
		o.logger.Debug("pruned events", "count", pruned)
	}
	cutoff := o.now().Add(-o.profileRetention)
	if pruned, err := o.store.PruneProfiles(ctx, cutoff); err != nil {
		o.logger.Warn("prune profiles", "err", err)
	} else if pruned > 0 {
		o.logger.Debug("pruned terminal profiles", "count", pruned)
	}
}

func (o *Orchestrator) recordEvent(ctx context.Context, level EventLevel, profileID *string, message string) {
	event := &Event{
		ID:        NewID(),
		ProfileID: profileID,
		Level:     level,
		Message:   message,
	}
	if err := o.store.AppendEvent(ctx, event); err != nil {
		o.logger.Warn("append event", "err", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, title, body string) {
	if err := o.notifier.Send(ctx, title, body); err != nil {
		o.logger.Warn("send notification", "err", err)
	}
}

func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
