package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browserfarm/internal/provider"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore is an in-memory Store for orchestrator tests.
type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]*Profile
	proxies  []*Proxy
	events   []*Event

	deleteCalls     int
	prunedEventRows int64
	pruneEventCalls int
	lastPruneCutoff time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{profiles: make(map[string]*Profile)}
}

func (s *fakeStore) InsertProfile(ctx context.Context, profile *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	profile.CreatedAt = now
	profile.UpdatedAt = now
	s.profiles[profile.ID] = profile
	return nil
}

func (s *fakeStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[id]
	if !ok {
		return nil, errors.New("profile not found")
	}
	return profile, nil
}

func (s *fakeStore) ListProfiles(ctx context.Context, status *ProfileStatus) ([]*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Profile
	for _, p := range s.profiles {
		if status == nil || p.Status == *status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) CountProfilesByStatus(ctx context.Context, statuses []ProfileStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.profiles {
		for _, st := range statuses {
			if p.Status == st {
				count++
				break
			}
		}
	}
	return count, nil
}

func (s *fakeStore) UpdateProfileStatus(ctx context.Context, id string, status ProfileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return errors.New("profile not found")
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) SetProfileProviderID(ctx context.Context, id, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return errors.New("profile not found")
	}
	p.ProviderID = &providerID
	return nil
}

func (s *fakeStore) SetProfileProxy(ctx context.Context, id, proxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return errors.New("profile not found")
	}
	p.ProxyID = &proxyID
	return nil
}

func (s *fakeStore) MarkProfileLaunched(ctx context.Context, id string, launchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return errors.New("profile not found")
	}
	p.Status = ProfileStatusRunning
	p.LaunchedAt = &launchedAt
	return nil
}

func (s *fakeStore) MarkProfileCompleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return errors.New("profile not found")
	}
	p.Status = ProfileStatusCompleted
	p.Completed = true
	return nil
}

func (s *fakeStore) DeleteProfile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	if _, ok := s.profiles[id]; !ok {
		return errors.New("profile not found")
	}
	delete(s.profiles, id)
	return nil
}

func (s *fakeStore) PruneProfiles(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPruneCutoff = olderThan
	var pruned int64
	for id, p := range s.profiles {
		if (p.Status == ProfileStatusError || p.Status == ProfileStatusStopped) && p.UpdatedAt.Before(olderThan) {
			delete(s.profiles, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *fakeStore) AcquireNextProxy(ctx context.Context, profileID string) (*Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, proxy := range s.proxies {
		if proxy.Active && proxy.AssignedProfile == nil {
			assigned := profileID
			proxy.AssignedProfile = &assigned
			now := time.Now()
			proxy.LastUsedAt = &now
			return proxy, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ReleaseProxy(ctx context.Context, proxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, proxy := range s.proxies {
		if proxy.ID == proxyID {
			proxy.AssignedProfile = nil
			return nil
		}
	}
	return nil
}

func (s *fakeStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeStore) PruneEvents(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneEventCalls++
	return s.prunedEventRows, nil
}

// fakeClient is a scriptable provider.Client.
type fakeClient struct {
	mu sync.Mutex

	demo       bool
	checkErr   error
	checkDelay time.Duration
	createErr  error
	stopErr    error
	stopDelay  time.Duration
	forceErr   error

	activeResp bool
	activeErr  error

	createCalls int
	startCalls  int
	stopCalls   int
	deleteCalls int
	forceCalls  int
	activeCalls int
}

func (c *fakeClient) Demo() bool { return c.demo }

func (c *fakeClient) CheckConnection(ctx context.Context) error {
	if c.checkDelay > 0 {
		time.Sleep(c.checkDelay)
	}
	return c.checkErr
}

func (c *fakeClient) CreateProfile(ctx context.Context, spec provider.CreateProfileSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createCalls++
	if c.createErr != nil {
		return "", c.createErr
	}
	return fmt.Sprintf("prov-%d", c.createCalls), nil
}

func (c *fakeClient) StartProfile(ctx context.Context, providerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCalls++
	return nil
}

func (c *fakeClient) StopProfile(ctx context.Context, providerID string) error {
	if c.stopDelay > 0 {
		time.Sleep(c.stopDelay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	return c.stopErr
}

func (c *fakeClient) DeleteProfile(ctx context.Context, providerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteCalls++
	return nil
}

func (c *fakeClient) ForceDeleteProfile(ctx context.Context, providerID string, maxAttempts int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceCalls++
	return c.forceErr
}

func (c *fakeClient) ProfileActive(ctx context.Context, providerID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeCalls++
	return c.activeResp, c.activeErr
}

func (c *fakeClient) ListGroups(ctx context.Context) ([]provider.Group, error) {
	return []provider.Group{{ID: "g1", Name: "default"}}, nil
}

func (c *fakeClient) CreateGroup(ctx context.Context, name string) (provider.Group, error) {
	return provider.Group{ID: "g2", Name: name}, nil
}

func testSettings() Settings {
	return Settings{
		MaxConcurrentProfiles: 2,
		TargetURL:             "https://example.com",
		DeviceTypes:           []DeviceType{DeviceDesktop, DeviceMobile},
		TaskDurationMin:       time.Minute,
		TaskDurationMax:       time.Minute,
		AutoDelete:            true,
		InstantRecycle:        true,
	}
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestOrchestrator(store Store, client provider.Client) (*Orchestrator, *fakeClock) {
	logger := testLogger()
	pool := NewProxyPool(store, logger)
	intervals := Intervals{Launch: time.Hour, Monitor: time.Hour, Recycle: time.Hour, Clean: time.Hour}
	o := NewOrchestrator(store, client, pool, nil, logger, intervals)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	o.now = clock.Now
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	o.randDur = func(min, max time.Duration) time.Duration { return min }
	return o, clock
}

// activate flips the orchestrator into its running state without scheduling
// any jobs, so ticks can be driven by hand.
func (o *Orchestrator) activate(settings Settings) {
	o.mu.Lock()
	o.running = true
	o.settings = settings
	o.startedAt = o.now()
	o.mu.Unlock()
}

func TestLaunchTick_RespectsConcurrencyCeiling(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{}
	o, _ := newTestOrchestrator(store, client)
	o.activate(testSettings())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		o.launchTick(ctx)
	}

	assert.Equal(t, 2, client.createCalls, "one launch per tick, capped at two slots")
	assert.Equal(t, 2, client.startCalls)

	count, err := store.CountProfilesByStatus(ctx, ActiveStatuses)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	o.mu.Lock()
	assert.Len(t, o.active, 2)
	assert.Equal(t, int64(2), o.totalLaunched)
	o.mu.Unlock()
}

func TestLaunchTick_RotatesDeviceTypes(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{}
	o, _ := newTestOrchestrator(store, client)
	settings := testSettings()
	settings.MaxConcurrentProfiles = 4
	o.activate(settings)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		o.launchTick(ctx)
	}

	byDevice := map[DeviceType]int{}
	profiles, err := store.ListProfiles(ctx, nil)
	require.NoError(t, err)
	for _, p := range profiles {
		byDevice[p.DeviceType]++
	}
	assert.Equal(t, 2, byDevice[DeviceDesktop])
	assert.Equal(t, 2, byDevice[DeviceMobile])
}

func TestLaunchTick_NotRunningDoesNothing(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{}
	o, _ := newTestOrchestrator(store, client)

	o.launchTick(context.Background())
	assert.Zero(t, client.createCalls)
}

func TestLaunchOne_ManualFallbackThenFailure(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{createErr: errors.New("create rejected")}
	o, _ := newTestOrchestrator(store, client)
	o.activate(testSettings())
	ctx := context.Background()

	o.launchTick(ctx)

	// automatic attempt plus one manual-name fallback
	assert.Equal(t, 2, client.createCalls)
	assert.Zero(t, client.startCalls)

	o.mu.Lock()
	assert.Empty(t, o.active)
	assert.Equal(t, int64(1), o.totalErrors)
	o.mu.Unlock()

	// auto delete removes the errored row
	profiles, err := store.ListProfiles(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestLaunchOne_AssignsProxyWhenRotationEnabled(t *testing.T) {
	store := newFakeStore()
	store.proxies = []*Proxy{
		{ID: "px-1", Address: "10.0.0.1", Port: 8080, Protocol: "http", Active: true},
	}
	client := &fakeClient{}
	o, _ := newTestOrchestrator(store, client)
	settings := testSettings()
	settings.ProxyRotation = true
	o.activate(settings)
	ctx := context.Background()

	o.launchTick(ctx)
	// pool is exhausted now; second launch proceeds without a proxy
	o.launchTick(ctx)

	assert.Equal(t, 2, client.createCalls)
	assert.NotNil(t, store.proxies[0].AssignedProfile)

	o.mu.Lock()
	withProxy := 0
	for _, rec := range o.active {
		if rec.ProxyID != nil {
			assert.Equal(t, "px-1", *rec.ProxyID)
			withProxy++
		}
	}
	o.mu.Unlock()
	assert.Equal(t, 1, withProxy)
}

func TestMonitorTick_CompletesOnElapsedDuration(t *testing.T) {
	store := newFakeStore()
	// provider still reports the session live; duration wins regardless
	client := &fakeClient{activeResp: true}
	o, clock := newTestOrchestrator(store, client)
	o.activate(testSettings())
	ctx := context.Background()

	o.launchTick(ctx)
	clock.Advance(2 * time.Minute)
	o.monitorTick(ctx)

	o.mu.Lock()
	assert.Empty(t, o.active)
	assert.Len(t, o.completed, 1)
	assert.Equal(t, int64(1), o.totalCompleted)
	o.mu.Unlock()

	status := ProfileStatusCompleted
	profiles, err := store.ListProfiles(ctx, &status)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.True(t, profiles[0].Completed)
}

func TestMonitorTick_CompletesEarlyWhenSessionGone(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{activeResp: false}
	o, _ := newTestOrchestrator(store, client)
	o.activate(testSettings())
	ctx := context.Background()

	o.launchTick(ctx)
	o.monitorTick(ctx)

	assert.Equal(t, 1, client.activeCalls)
	o.mu.Lock()
	assert.Empty(t, o.active)
	assert.Len(t, o.completed, 1)
	o.mu.Unlock()
}

func TestMonitorTick_DemoSkipsProviderPolling(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{demo: true, activeResp: false}
	o, _ := newTestOrchestrator(store, client)
	o.activate(testSettings())
	ctx := context.Background()

	o.launchTick(ctx)
	o.monitorTick(ctx)

	assert.Zero(t, client.activeCalls)
	o.mu.Lock()
	assert.Len(t, o.active, 1, "demo profiles complete only by duration")
	o.mu.Unlock()
}

func TestMonitorTick_PollErrorKeepsProfileActive(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{activeErr: errors.New("poll failed")}
	o, _ := newTestOrchestrator(store, client)
	o.activate(testSettings())
	ctx := context.Background()

	o.launchTick(ctx)
	o.monitorTick(ctx)

	o.mu.Lock()
	assert.Len(t, o.active, 1)
	assert.Empty(t, o.completed)
	o.mu.Unlock()
}

func TestRecycleTick_EachProfileLeavesAfterOneAttempt(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{activeResp: true, forceErr: errors.New("still busy")}
	o, clock := newTestOrchestrator(store, client)
	o.activate(testSettings())
	ctx := context.Background()

	o.launchTick(ctx)
	clock.Advance(2 * time.Minute)
	o.monitorTick(ctx)

	o.recycleTick(ctx)
	assert.Equal(t, 1, client.forceCalls)
	o.mu.Lock()
	assert.Empty(t, o.completed, "failed teardown must not requeue the profile")
	o.mu.Unlock()

	// a second tick finds nothing to do
	o.recycleTick(ctx)
	assert.Equal(t, 1, client.forceCalls)
}

func TestRecycleTick_TearsDownAndDeletes(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{activeResp: true}
	o, clock := newTestOrchestrator(store, client)
	o.activate(testSettings())
	ctx := context.Background()

	o.launchTick(ctx)
	clock.Advance(2 * time.Minute)
	o.monitorTick(ctx)
	o.recycleTick(ctx)

	assert.Equal(t, 1, client.stopCalls)
	assert.Equal(t, 1, client.forceCalls)
	profiles, err := store.ListProfiles(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, profiles, "auto delete removes the local row")
}

func TestRecycleTick_HonorsInstantRecycleToggle(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{activeResp: true}
	o, clock := newTestOrchestrator(store, client)
	settings := testSettings()
	settings.InstantRecycle = false
	o.activate(settings)
	ctx := context.Background()

	o.launchTick(ctx)
	clock.Advance(2 * time.Minute)
	o.monitorTick(ctx)
	o.recycleTick(ctx)

	assert.Zero(t, client.stopCalls, "recycling disabled, completed profiles stay parked")
	o.mu.Lock()
	assert.Len(t, o.completed, 1)
	o.mu.Unlock()

	on := true
	_, err := o.UpdateSettings(SettingsPatch{InstantRecycle: &on})
	require.NoError(t, err)

	o.recycleTick(ctx)
	assert.Equal(t, 1, client.stopCalls)
	o.mu.Lock()
	assert.Empty(t, o.completed)
	o.mu.Unlock()
}

func TestTeardown_AutoDeleteOffMarksStopped(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{activeResp: true}
	o, clock := newTestOrchestrator(store, client)
	settings := testSettings()
	settings.AutoDelete = false
	o.activate(settings)
	ctx := context.Background()

	o.launchTick(ctx)
	clock.Advance(2 * time.Minute)
	o.monitorTick(ctx)
	o.recycleTick(ctx)

	assert.Zero(t, client.forceCalls)
	status := ProfileStatusStopped
	profiles, err := store.ListProfiles(ctx, &status)
	require.NoError(t, err)
	assert.Len(t, profiles, 1)
}

func TestStop_WhenNotRunning(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{}
	o, _ := newTestOrchestrator(store, client)

	result := o.Stop(context.Background())
	assert.False(t, result.WasRunning)
	assert.Zero(t, client.stopCalls)
}

func TestStop_TearsDownEverythingTracked(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{activeResp: true}
	o, clock := newTestOrchestrator(store, client)
	settings := testSettings()
	settings.MaxConcurrentProfiles = 3
	o.activate(settings)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		o.launchTick(ctx)
	}
	// move one profile into the completed set
	clock.Advance(2 * time.Minute)
	o.mu.Lock()
	var one *ActiveProfile
	for _, rec := range o.active {
		one = rec
		break
	}
	o.mu.Unlock()
	o.completeProfile(ctx, one, "test")

	result := o.Stop(ctx)
	assert.True(t, result.WasRunning)
	assert.Equal(t, 3, result.TornDown)
	assert.Zero(t, result.Failures)
	assert.False(t, result.DeadlineHit)
	assert.False(t, o.IsRunning())

	o.mu.Lock()
	assert.Empty(t, o.active)
	assert.Empty(t, o.completed)
	o.mu.Unlock()

	second := o.Stop(ctx)
	assert.False(t, second.WasRunning)
}

func TestStop_CountsTeardownFailures(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{stopErr: errors.New("stop refused")}
	o, _ := newTestOrchestrator(store, client)
	settings := testSettings()
	settings.AutoDelete = false
	o.activate(settings)
	ctx := context.Background()

	o.launchTick(ctx)
	result := o.Stop(ctx)
	assert.True(t, result.WasRunning)
	assert.Zero(t, result.TornDown)
	assert.Equal(t, 1, result.Failures)
}

func TestStop_DeadlineReleasesCaller(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{stopDelay: 200 * time.Millisecond}
	o, _ := newTestOrchestrator(store, client)
	o.stopTimeout = 20 * time.Millisecond
	o.activate(testSettings())
	ctx := context.Background()

	o.launchTick(ctx)
	start := time.Now()
	result := o.Stop(ctx)
	assert.True(t, result.DeadlineHit)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "caller must be released at the deadline")
}

func TestEmergencyStop_ForceStopsAllSessions(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{activeResp: true}
	o, _ := newTestOrchestrator(store, client)
	o.activate(testSettings())
	ctx := context.Background()

	o.launchTick(ctx)
	o.launchTick(ctx)

	result := o.EmergencyStop(ctx)
	assert.True(t, result.WasRunning)
	assert.Equal(t, 2, result.ForceStopped)
	// teardown stop for each profile plus the unconditional second pass
	assert.Equal(t, 4, client.stopCalls)
	assert.False(t, o.IsRunning())
}

func TestStart_FailsWhenProviderUnreachable(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{checkErr: errors.New("connection refused")}
	o, _ := newTestOrchestrator(store, client)

	err := o.Start(context.Background(), testSettings())
	assert.ErrorIs(t, err, ErrProviderUnreachable)
	assert.False(t, o.IsRunning())
}

func TestStart_RejectsInvalidSettings(t *testing.T) {
	store := newFakeStore()
	o, _ := newTestOrchestrator(store, &fakeClient{})

	settings := testSettings()
	settings.MaxConcurrentProfiles = 0
	err := o.Start(context.Background(), settings)
	assert.Error(t, err)
	assert.False(t, o.IsRunning())
}

func TestStart_SecondCallReturnsAlreadyRunning(t *testing.T) {
	store := newFakeStore()
	o, _ := newTestOrchestrator(store, &fakeClient{})
	ctx := context.Background()

	require.NoError(t, o.Start(ctx, testSettings()))
	defer o.Stop(ctx)

	err := o.Start(ctx, testSettings())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, o.IsRunning())
}

func TestStart_TicksOutliveCallerContext(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{}
	logger := testLogger()
	pool := NewProxyPool(store, logger)
	intervals := Intervals{Launch: time.Second, Monitor: time.Hour, Recycle: time.Hour, Clean: time.Hour}
	o := NewOrchestrator(store, client, pool, nil, logger, intervals)
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	o.randDur = func(min, max time.Duration) time.Duration { return min }

	reqCtx, cancelReq := context.WithCancel(context.Background())
	require.NoError(t, o.Start(reqCtx, testSettings()))
	defer o.Stop(context.Background())

	// the request that started the orchestrator returns and its context dies
	cancelReq()

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.createCalls >= 1 && client.startCalls >= 1
	}, 5*time.Second, 20*time.Millisecond,
		"launcher must keep working after the starting request's context is canceled")
}

func TestStart_ConcurrentCallsActivateOnce(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{checkDelay: 100 * time.Millisecond}
	o, _ := newTestOrchestrator(store, client)
	defer o.Stop(context.Background())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- o.Start(context.Background(), testSettings()) }()
	}

	var won, lost int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyRunning):
			lost++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent Start may activate the loops")
	assert.Equal(t, 1, lost)
	assert.True(t, o.IsRunning())
}

func TestStart_RecoversStaleProfiles(t *testing.T) {
	store := newFakeStore()
	proxyID := "px-stale"
	store.proxies = []*Proxy{{ID: proxyID, Address: "10.0.0.9", Port: 3128, Protocol: "http", Active: true}}
	assigned := "stale-1"
	store.proxies[0].AssignedProfile = &assigned
	require.NoError(t, store.InsertProfile(context.Background(), &Profile{
		ID: "stale-1", DeviceType: DeviceDesktop, TargetURL: "https://example.com",
		Status: ProfileStatusRunning, ProxyID: &proxyID,
	}))

	o, _ := newTestOrchestrator(store, &fakeClient{})
	ctx := context.Background()
	require.NoError(t, o.Start(ctx, testSettings()))
	defer o.Stop(ctx)

	profile, err := store.GetProfile(ctx, "stale-1")
	require.NoError(t, err)
	assert.Equal(t, ProfileStatusError, profile.Status)
	assert.Nil(t, store.proxies[0].AssignedProfile, "stale proxy must be freed")
}

func TestUpdateSettings(t *testing.T) {
	store := newFakeStore()
	o, _ := newTestOrchestrator(store, &fakeClient{})
	o.activate(testSettings())

	max := 7
	merged, err := o.UpdateSettings(SettingsPatch{MaxConcurrentProfiles: &max})
	require.NoError(t, err)
	assert.Equal(t, 7, merged.MaxConcurrentProfiles)
	assert.Equal(t, 7, o.Settings().MaxConcurrentProfiles)

	bad := 0
	_, err = o.UpdateSettings(SettingsPatch{MaxConcurrentProfiles: &bad})
	assert.Error(t, err)
	assert.Equal(t, 7, o.Settings().MaxConcurrentProfiles, "rejected patch must not apply")
}

func TestGetStats(t *testing.T) {
	store := newFakeStore()
	client := &fakeClient{activeResp: true}
	o, clock := newTestOrchestrator(store, client)
	o.activate(testSettings())
	ctx := context.Background()

	o.launchTick(ctx)
	o.mu.Lock()
	o.totalCompleted = 3
	o.totalErrors = 1
	o.mu.Unlock()
	clock.Advance(30 * time.Second)

	stats := o.GetStats()
	assert.True(t, stats.Running)
	assert.Equal(t, int64(1), stats.TotalLaunched)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
	require.Len(t, stats.ActiveProfiles, 1)
	view := stats.ActiveProfiles[0]
	assert.Equal(t, 30*time.Second, view.Elapsed)
	assert.Equal(t, 30*time.Second, view.Remaining)
}

func TestCleanTick_PrunesWithRetentionCutoff(t *testing.T) {
	store := newFakeStore()
	o, clock := newTestOrchestrator(store, &fakeClient{})
	o.profileRetention = time.Hour
	o.activate(testSettings())

	o.cleanTick(context.Background())
	assert.Equal(t, 1, store.pruneEventCalls)
	assert.Equal(t, clock.Now().Add(-time.Hour), store.lastPruneCutoff)
}

func TestRandomDuration(t *testing.T) {
	assert.Equal(t, time.Minute, randomDuration(time.Minute, time.Minute))
	for i := 0; i < 100; i++ {
		d := randomDuration(time.Second, 3*time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}
