package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xraytun/internal/coreconfig"
	"xraytun/internal/logging"
	"xraytun/internal/profile"
	"xraytun/internal/settings"
)

const testConfig = `{
  "outbounds": [
    {"protocol": "vless", "settings": {"vnext": [{"address": "203.0.113.5", "port": 443, "users": [{"id": "u"}]}]}}
  ]
}`

type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	starts  int
	stops   int
	running atomic.Bool
	startFn func(ctx context.Context) error
	stopErr error
}

func (e *fakeEngine) Start(ctx context.Context, path string) error {
	e.mu.Lock()
	e.starts++
	e.calls = append(e.calls, "engine.start")
	fn := e.startFn
	e.mu.Unlock()
	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	e.running.Store(true)
	return nil
}

func (e *fakeEngine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	e.calls = append(e.calls, "engine.stop")
	e.running.Store(false)
	return e.stopErr
}

func (e *fakeEngine) IsRunning() bool { return e.running.Load() }

func (e *fakeEngine) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts, e.stops
}

type fakeAdapter struct {
	mu       sync.Mutex
	opens    int
	closes   int
	params   coreconfig.TunParams
	openErr  error
	closeErr error
}

func (a *fakeAdapter) Open(_ context.Context, params coreconfig.TunParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opens++
	a.params = params
	return a.openErr
}

func (a *fakeAdapter) Close(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes++
	return a.closeErr
}

func (a *fakeAdapter) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens, a.closes
}

type fakeSource struct {
	profile  profile.Profile
	settings settings.Settings
	err      error
}

func (s *fakeSource) SelectedProfile() (profile.Profile, error) {
	if s.err != nil {
		return profile.Profile{}, s.err
	}
	return s.profile, nil
}

func (s *fakeSource) Settings() (settings.Settings, error) { return s.settings, nil }

type fixture struct {
	ctrl    *Controller
	engine  *fakeEngine
	adapter *fakeAdapter
	source  *fakeSource
	dir     string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		engine:  &fakeEngine{},
		adapter: &fakeAdapter{},
		source: &fakeSource{
			profile:  profile.Profile{ID: "p1", Name: "main", Config: testConfig},
			settings: settings.Default(),
		},
		dir: t.TempDir(),
	}
	f.ctrl = NewController(logging.Discard(), f.engine, f.adapter, coreconfig.NewMaterializer(f.dir), f.source, opts)
	t.Cleanup(f.ctrl.Close)
	return f
}

func (f *fixture) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.Reconcile(context.Background()))
}

func TestToggleStartsSession(t *testing.T) {
	f := newFixture(t, Options{})
	f.ready(t)

	snap, err := f.ctrl.Toggle(context.Background(), "ui")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "p1", snap.ActiveProfileID)
	assert.Equal(t, ObserverID("ui"), snap.RequestedBy)
	assert.Empty(t, snap.LastError)

	opens, _ := f.adapter.counts()
	starts, _ := f.engine.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 10808, f.adapter.params.Socks.Port)
	assert.FileExists(t, filepath.Join(f.dir, coreconfig.EngineFileName))
	assert.FileExists(t, filepath.Join(f.dir, coreconfig.AdapterFileName))
	assert.Equal(t, snap, f.ctrl.CurrentState())
}

func TestToggleRejectsInvalidPort(t *testing.T) {
	f := newFixture(t, Options{})
	f.ready(t)
	f.source.profile.Config = `{"inbounds":[{"protocol":"socks","port":99999}]}`

	snap, err := f.ctrl.Toggle(context.Background(), "ui")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, coreconfig.ErrInvalid)
	assert.Equal(t, StateStopped, snap.State)
	assert.NotEmpty(t, snap.LastError)

	opens, closes := f.adapter.counts()
	starts, stops := f.engine.counts()
	assert.Zero(t, opens+closes+starts+stops, "no handle may be invoked")
}

func TestToggleWhileStartingIsBusy(t *testing.T) {
	f := newFixture(t, Options{StartTimeout: 5 * time.Second})
	f.ready(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.engine.startFn = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Toggle(context.Background(), "ui")
		done <- err
	}()
	<-entered

	begin := time.Now()
	snap, err := f.ctrl.Toggle(context.Background(), "tray")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, StateStarting, snap.State)
	assert.Less(t, time.Since(begin), 100*time.Millisecond)

	_, err = f.ctrl.Stop(context.Background(), "cli")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateRunning, f.ctrl.CurrentState().State)
}

func TestStopSwallowsAdapterCloseFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.ready(t)
	_, err := f.ctrl.Toggle(context.Background(), "ui")
	require.NoError(t, err)

	f.adapter.closeErr = errors.New("route delete failed")
	snap, err := f.ctrl.Toggle(context.Background(), "ui")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, snap.State)
	assert.Contains(t, snap.LastError, "route delete failed")
	assert.Empty(t, snap.ActiveProfileID)

	_, stops := f.engine.counts()
	assert.Equal(t, 1, stops)
}

func TestReconcileStopsStaleEngine(t *testing.T) {
	f := newFixture(t, Options{})
	f.engine.running.Store(true)

	_, err := f.ctrl.Toggle(context.Background(), "ui")
	assert.ErrorIs(t, err, ErrBusy, "requests wait for reconciliation")

	require.NoError(t, f.ctrl.Reconcile(context.Background()))
	assert.False(t, f.engine.IsRunning())
	_, stops := f.engine.counts()
	_, closes := f.adapter.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, closes)

	snap, err := f.ctrl.Toggle(context.Background(), "ui")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, snap.State)
}

func TestStartTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, Options{StartTimeout: 50 * time.Millisecond})
	f.ready(t)
	f.engine.startFn = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	var mu sync.Mutex
	var seen []State
	f.ctrl.Subscribe("test", func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.State)
		mu.Unlock()
	})

	snap, err := f.ctrl.Toggle(context.Background(), "ui")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, StateStopped, snap.State)

	_, closes := f.adapter.counts()
	_, stops := f.engine.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, stops)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []State{StateStopped, StateStarting, StateFailed, StateStopped}, seen)
	mu.Unlock()
}

func TestAdapterFailureIsEngineFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.ready(t)
	f.adapter.openErr = errors.New("wintun missing")

	snap, err := f.ctrl.Toggle(context.Background(), "ui")
	assert.ErrorIs(t, err, ErrEngineFailure)
	assert.Equal(t, StateStopped, snap.State)
	assert.Contains(t, snap.LastError, "wintun missing")
	starts, _ := f.engine.counts()
	assert.Zero(t, starts)
}

func TestNoProfileIsInvalidConfig(t *testing.T) {
	f := newFixture(t, Options{})
	f.ready(t)
	f.source.err = ErrNoProfile

	_, err := f.ctrl.Toggle(context.Background(), "ui")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNamedSignalsReportAlreadyInState(t *testing.T) {
	f := newFixture(t, Options{})
	f.ready(t)

	_, err := f.ctrl.Stop(context.Background(), "cli")
	assert.ErrorIs(t, err, ErrAlreadyInState)

	snap, err := f.ctrl.Start(context.Background(), "cli")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, snap.State)

	_, err = f.ctrl.Start(context.Background(), "cli")
	assert.ErrorIs(t, err, ErrAlreadyInState)

	snap, err = f.ctrl.Stop(context.Background(), "cli")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, snap.State)
}

func TestWatchdogDetectsEngineExit(t *testing.T) {
	f := newFixture(t, Options{WatchdogInterval: 10 * time.Millisecond})
	f.ready(t)
	_, err := f.ctrl.Toggle(context.Background(), "ui")
	require.NoError(t, err)
	f.ctrl.StartWatchdog()

	f.engine.running.Store(false)
	assert.Eventually(t, func() bool {
		return f.ctrl.CurrentState().State == StateStopped
	}, time.Second, 10*time.Millisecond)

	snap := f.ctrl.CurrentState()
	assert.Equal(t, ObserverWatchdog, snap.RequestedBy)
	assert.Contains(t, snap.LastError, "engine stopped unexpectedly")
	_, closes := f.adapter.counts()
	assert.Equal(t, 1, closes)
}

func TestEngineExitCallback(t *testing.T) {
	f := newFixture(t, Options{})
	f.ready(t)
	_, err := f.ctrl.Toggle(context.Background(), "ui")
	require.NoError(t, err)

	f.ctrl.EngineExited("exit status 23")
	assert.Equal(t, StateRunning, f.ctrl.CurrentState().State, "engine still reports running")

	f.engine.running.Store(false)
	f.ctrl.EngineExited("exit status 23")
	snap := f.ctrl.CurrentState()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, "engine stopped unexpectedly: exit status 23", snap.LastError)
}

func TestSubscribeDeliversInitialAndOrderedSnapshots(t *testing.T) {
	f := newFixture(t, Options{})
	f.ready(t)

	var mu sync.Mutex
	var versions []uint64
	f.ctrl.Subscribe("ui", func(s Snapshot) {
		mu.Lock()
		versions = append(versions, s.Version)
		mu.Unlock()
	})
	f.ctrl.Subscribe("panicky", func(Snapshot) { panic("observer bug") })

	_, err := f.ctrl.Toggle(context.Background(), "ui")
	require.NoError(t, err)
	_, err = f.ctrl.Toggle(context.Background(), "ui")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(versions) == 5
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	for i := 1; i < len(versions); i++ {
		assert.Equal(t, versions[i-1]+1, versions[i])
	}
	mu.Unlock()

	f.ctrl.Unsubscribe("ui")
	_, err = f.ctrl.Toggle(context.Background(), "ui")
	require.NoError(t, err)
	f.ctrl.Close()
	mu.Lock()
	assert.Len(t, versions, 5)
	mu.Unlock()
}

func TestConcurrentTogglesKeepInvariants(t *testing.T) {
	f := newFixture(t, Options{})
	f.ready(t)

	var wg sync.WaitGroup
	var busyCount atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ctrl.Toggle(context.Background(), "race")
			if err != nil {
				assert.ErrorIs(t, err, ErrBusy)
				busyCount.Add(1)
			}
			s := f.ctrl.CurrentState()
			if s.State == StateRunning {
				assert.NotEmpty(t, s.ActiveProfileID)
			}
		}()
	}
	wg.Wait()

	final := f.ctrl.CurrentState()
	require.True(t, final.State.Terminal())
	starts, stops := f.engine.counts()
	opens, closes := f.adapter.counts()
	assert.Equal(t, starts, opens)
	assert.Equal(t, stops, closes)
	if final.State == StateRunning {
		assert.Equal(t, starts, stops+1)
		assert.True(t, f.engine.IsRunning())
	} else {
		assert.Equal(t, starts, stops)
		assert.False(t, f.engine.IsRunning())
	}
	assert.Equal(t, int32(32), busyCount.Load()+int32(starts+stops))
}
