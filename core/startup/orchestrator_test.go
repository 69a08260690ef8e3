package startup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"Prerelease/core/profile"
	"Prerelease/internal/testsupport"
	"Prerelease/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *testsupport.MemoryStore
	remote  *testsupport.FakeIdentity
	manager *profile.Manager
	orch    *Orchestrator
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	store := testsupport.NewMemoryStore()
	remote := testsupport.NewFakeIdentity()
	mgr := profile.NewManager(store, remote)
	return &fixture{
		store:   store,
		remote:  remote,
		manager: mgr,
		orch:    NewOrchestrator(mgr, remote, timeout),
	}
}

var (
	t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func localProfile() *model.UserProfile {
	return &model.UserProfile{
		ID:         "p-1",
		Username:   "night_owl",
		ArtistName: "Night Owl",
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
}

func TestNewDeviceNeedsSetupWithoutNetwork(t *testing.T) {
	f := newFixture(t, time.Second)

	st := f.orch.PerformStartupSync(context.Background())
	assert.True(t, st.NeedsSetup())
	assert.False(t, st.SyncComplete())
	assert.Zero(t, f.remote.TotalCalls())
}

func TestConcurrentSyncProbesOnce(t *testing.T) {
	f := newFixture(t, time.Second)
	f.store.SetProfile(localProfile())
	f.remote.PutProfile(localProfile())
	f.remote.Block = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]Status, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.orch.PerformStartupSync(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool {
		h, _, _, _ := f.remote.Counts()
		return h == 1
	}, time.Second, 5*time.Millisecond)
	close(f.remote.Block)
	wg.Wait()

	h, _, _, _ := f.remote.Counts()
	assert.Equal(t, 1, h)
	for _, st := range results {
		assert.True(t, st.SyncComplete())
		assert.False(t, st.Degraded)
	}
}

func TestTerminalStatusIsCached(t *testing.T) {
	f := newFixture(t, time.Second)
	f.store.SetProfile(localProfile())
	f.remote.PutProfile(localProfile())

	first := f.orch.PerformStartupSync(context.Background())
	second := f.orch.PerformStartupSync(context.Background())
	assert.Equal(t, first, second)
	h, _, _, _ := f.remote.Counts()
	assert.Equal(t, 1, h)
}

func TestRemoteTimeoutDegrades(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	f.store.SetProfile(localProfile())
	f.remote.Block = make(chan struct{})
	defer close(f.remote.Block)

	st := f.orch.PerformStartupSync(context.Background())
	assert.True(t, st.SyncComplete())
	assert.True(t, st.Degraded)
	assert.Equal(t, localProfile(), f.store.Profile())
	assert.Equal(t, "p-1", f.manager.CurrentID())
}

func TestHealthFailureDegrades(t *testing.T) {
	f := newFixture(t, time.Second)
	f.store.SetProfile(localProfile())
	f.remote.HealthErr = model.Transient("health", errors.New("connection refused"))

	st := f.orch.PerformStartupSync(context.Background())
	assert.True(t, st.SyncComplete())
	assert.True(t, st.Degraded)
	assert.Equal(t, "remote unavailable", st.Reason)
}

func TestReconciliation(t *testing.T) {
	t.Run("RemoteNewerWins", func(t *testing.T) {
		f := newFixture(t, time.Second)
		f.store.SetProfile(localProfile())
		remote := localProfile()
		remote.ArtistName = "Renamed"
		remote.UpdatedAt = t1
		f.remote.PutProfile(remote)

		st := f.orch.PerformStartupSync(context.Background())
		require.True(t, st.SyncComplete())
		assert.Equal(t, "Renamed", f.store.Profile().ArtistName)
		assert.Equal(t, "Renamed", f.manager.Current().ArtistName)
	})

	t.Run("RemoteWithoutTimestampWins", func(t *testing.T) {
		f := newFixture(t, time.Second)
		f.store.SetProfile(localProfile())
		remote := localProfile()
		remote.ArtistName = "Server Copy"
		remote.UpdatedAt = time.Time{}
		f.remote.PutProfile(remote)

		f.orch.PerformStartupSync(context.Background())
		assert.Equal(t, "Server Copy", f.store.Profile().ArtistName)
	})

	t.Run("TieGoesToRemote", func(t *testing.T) {
		f := newFixture(t, time.Second)
		f.store.SetProfile(localProfile())
		remote := localProfile()
		remote.Bio = strPtr("from remote")
		f.remote.PutProfile(remote)

		f.orch.PerformStartupSync(context.Background())
		require.NotNil(t, f.store.Profile().Bio)
		assert.Equal(t, "from remote", *f.store.Profile().Bio)
	})

	t.Run("LocalNewerIsPushed", func(t *testing.T) {
		f := newFixture(t, time.Second)
		local := localProfile()
		local.ArtistName = "Edited Offline"
		local.UpdatedAt = t1
		f.store.SetProfile(local)
		f.remote.PutProfile(localProfile())

		st := f.orch.PerformStartupSync(context.Background())
		assert.False(t, st.Degraded)
		assert.Equal(t, "Edited Offline", f.remote.Profile("p-1").ArtistName)
		assert.Equal(t, "Edited Offline", f.store.Profile().ArtistName)
	})

	t.Run("UnknownRemoteReceivesLocal", func(t *testing.T) {
		f := newFixture(t, time.Second)
		f.store.SetProfile(localProfile())

		st := f.orch.PerformStartupSync(context.Background())
		assert.True(t, st.SyncComplete())
		assert.NotNil(t, f.remote.Profile("p-1"))
	})

	t.Run("PushConflictDegrades", func(t *testing.T) {
		f := newFixture(t, time.Second)
		f.store.SetProfile(localProfile())
		f.remote.Reserve("night_owl", "someone-else")

		st := f.orch.PerformStartupSync(context.Background())
		assert.True(t, st.SyncComplete())
		assert.True(t, st.Degraded)
		assert.Equal(t, "username taken on remote", st.Reason)
	})
}

func TestCorruptLocalStateNeedsSetup(t *testing.T) {
	f := newFixture(t, time.Second)
	f.store.LoadProfileErr = model.ErrCorruptLocalState

	st := f.orch.PerformStartupSync(context.Background())
	assert.True(t, st.NeedsSetup())
	assert.Zero(t, f.remote.TotalCalls())
}

func TestResetThenSyncNeedsSetup(t *testing.T) {
	f := newFixture(t, time.Second)
	f.store.SetProfile(localProfile())
	f.remote.PutProfile(localProfile())

	require.True(t, f.orch.PerformStartupSync(context.Background()).SyncComplete())

	hookCalls := 0
	f.orch.OnReset(func() { hookCalls++ })

	st, err := f.orch.ForceCompleteReset(context.Background())
	require.NoError(t, err)
	assert.True(t, st.NeedsSetup())
	assert.Equal(t, 1, hookCalls)
	assert.Nil(t, f.store.Profile())
	assert.Nil(t, f.manager.Current())

	assert.True(t, f.orch.PerformStartupSync(context.Background()).NeedsSetup())
}

func TestResetDuringSyncDiscardsInFlightRun(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.store.SetProfile(localProfile())
	remote := localProfile()
	remote.UpdatedAt = t1
	f.remote.PutProfile(remote)
	f.remote.Block = make(chan struct{})
	defer close(f.remote.Block)

	firstDone := make(chan Status, 1)
	go func() { firstDone <- f.orch.PerformStartupSync(context.Background()) }()

	require.Eventually(t, func() bool {
		h, _, _, _ := f.remote.Counts()
		return h == 1
	}, time.Second, 5*time.Millisecond)

	st, err := f.orch.ForceCompleteReset(context.Background())
	require.NoError(t, err)
	assert.True(t, st.NeedsSetup())

	select {
	case first := <-firstDone:
		assert.True(t, first.NeedsSetup())
	case <-time.After(time.Second):
		t.Fatal("in-flight caller never returned")
	}
	assert.Nil(t, f.store.Profile())
	assert.True(t, f.orch.Status().NeedsSetup())
}

func TestResetFailureStillLandsInTerminalState(t *testing.T) {
	f := newFixture(t, time.Second)
	f.store.SetProfile(localProfile())
	f.remote.PutProfile(localProfile())
	f.store.ClearErr = errors.New("read-only filesystem")

	st, err := f.orch.ForceCompleteReset(context.Background())
	assert.Error(t, err)
	assert.True(t, st.State.Terminal())
}

func TestCompleteSetup(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	require.True(t, f.orch.PerformStartupSync(ctx).NeedsSetup())

	_, err := f.orch.CompleteSetup(ctx)
	assert.ErrorIs(t, err, model.ErrNoProfile)

	_, err = f.manager.CreateProfile(ctx, "night_owl", "Night Owl", nil, nil)
	require.NoError(t, err)

	st, err := f.orch.CompleteSetup(ctx)
	require.NoError(t, err)
	assert.True(t, st.SyncComplete())
	assert.False(t, st.NeedsSetup())
}

// pausedProfiles 在 LoadLocal 返回之前停住，直到 release 被关闭
type pausedProfiles struct {
	Profiles
	loaded  chan struct{}
	release chan struct{}
}

func (p *pausedProfiles) LoadLocal(ctx context.Context) (*model.UserProfile, error) {
	prof, err := p.Profiles.LoadLocal(ctx)
	close(p.loaded)
	<-p.release
	return prof, err
}

func TestSetupDuringCheckingLocalEndsComplete(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	paused := &pausedProfiles{Profiles: f.manager, loaded: make(chan struct{}), release: make(chan struct{})}
	orch := NewOrchestrator(paused, f.remote, time.Second)

	syncDone := make(chan Status, 1)
	go func() { syncDone <- orch.PerformStartupSync(ctx) }()
	<-paused.loaded
	assert.Equal(t, model.SyncCheckingLocal, orch.Status().State)

	_, err := f.manager.CreateProfile(ctx, "night_owl", "Night Owl", nil, nil)
	require.NoError(t, err)

	setupDone := make(chan Status, 1)
	go func() {
		st, err := orch.CompleteSetup(ctx)
		assert.NoError(t, err)
		setupDone <- st
	}()

	select {
	case <-setupDone:
		t.Fatal("setup finished while the sync was still running")
	case <-time.After(30 * time.Millisecond):
	}
	close(paused.release)

	assert.True(t, (<-syncDone).SyncComplete())
	assert.True(t, (<-setupDone).SyncComplete())
	assert.Equal(t, model.SyncComplete, orch.Status().State)
	assert.True(t, orch.PerformStartupSync(ctx).SyncComplete())
}

func TestCompleteSetupHonoursContext(t *testing.T) {
	f := newFixture(t, time.Second)
	paused := &pausedProfiles{Profiles: f.manager, loaded: make(chan struct{}), release: make(chan struct{})}
	orch := NewOrchestrator(paused, f.remote, time.Second)
	defer close(paused.release)

	go orch.PerformStartupSync(context.Background())
	<-paused.loaded
	_, err := f.manager.CreateProfile(context.Background(), "night_owl", "Night Owl", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = orch.CompleteSetup(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeSeesTransitions(t *testing.T) {
	f := newFixture(t, time.Second)
	f.store.SetProfile(localProfile())
	f.remote.PutProfile(localProfile())

	ch, unsubscribe := f.orch.Subscribe()
	defer unsubscribe()

	f.orch.PerformStartupSync(context.Background())

	var states []model.SyncState
	timeout := time.After(time.Second)
	for len(states) == 0 || states[len(states)-1] != model.SyncComplete {
		select {
		case st := <-ch:
			states = append(states, st.State)
		case <-timeout:
			t.Fatalf("missing transitions, got %v", states)
		}
	}
	assert.Equal(t, model.SyncIdle, states[0])
	assert.Contains(t, states, model.SyncVerifyingRemote)
}

func strPtr(s string) *string { return &s }
