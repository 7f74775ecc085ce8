package orchestrator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workersEnv struct {
	registry *Registry
	ports    *PortAllocator
	launcher *fakeLauncher
	cards    *fakeCards
	workers  *WorkerManager
}

func newWorkersEnv(t *testing.T, mode string) *workersEnv {
	t.Helper()
	env := &workersEnv{
		registry: NewRegistry(),
		ports:    NewPortAllocator("127.0.0.1", 0, 0),
		launcher: newFakeLauncher(mode),
		cards:    newFakeCards(t.TempDir()),
	}
	env.workers = NewWorkerManager(env.registry, env.ports, env.launcher, env.cards, testConfig(t).Workers, testLogger(), nil)
	t.Cleanup(func() { env.workers.StopAll(time.Second) })
	return env
}

func (e *workersEnv) add(t *testing.T, id StreamID) {
	t.Helper()
	_, err := e.registry.Create(id, jazz)
	require.NoError(t, err)
	e.workers.Register(id)
}

func TestWorkerManager_Start(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.add(t, "jazzfm")

	require.NoError(t, env.workers.Start(context.Background(), "jazzfm"))

	rec, err := env.registry.Get("jazzfm")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rec.State)
	assert.Greater(t, rec.Port, 0)
	assert.Greater(t, rec.PID, 0)
	assert.Equal(t, env.launcher.Endpoint(rec.Port), rec.OutputEndpoint)
	assert.Contains(t, rec.Command, "-helper-encoder")
	assert.False(t, rec.LastUpdate.IsZero())
	assert.True(t, env.workers.Running("jazzfm"))

	owner, ok := env.ports.Owner(rec.Port)
	assert.True(t, ok)
	assert.Equal(t, StreamID("jazzfm"), owner)

	title, ok := env.cards.title("jazzfm")
	assert.True(t, ok, "placeholder card rendered")
	assert.Equal(t, PlaceholderTitle, title)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(env.workers.LogPath("jazzfm"))
		return err == nil && len(data) > 0
	}, 2*time.Second, 20*time.Millisecond, "worker output goes to the log sink")
}

func TestWorkerManager_Start_is_idempotent(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.add(t, "jazzfm")

	require.NoError(t, env.workers.Start(context.Background(), "jazzfm"))
	first, _ := env.registry.Get("jazzfm")

	require.NoError(t, env.workers.Start(context.Background(), "jazzfm"))
	second, _ := env.registry.Get("jazzfm")

	assert.Equal(t, first.PID, second.PID)
	assert.Equal(t, 1, env.ports.InUse())
}

func TestWorkerManager_concurrent_starts_launch_one_worker(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.add(t, "jazzfm")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.workers.Start(context.Background(), "jazzfm"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, env.ports.InUse())
	assert.True(t, env.workers.Running("jazzfm"))
}

func TestWorkerManager_Stop(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.add(t, "jazzfm")
	require.NoError(t, env.workers.Start(context.Background(), "jazzfm"))
	rec, _ := env.registry.Get("jazzfm")

	require.NoError(t, env.workers.Stop("jazzfm", time.Second))
	require.NoError(t, env.workers.Stop("jazzfm", time.Second), "stop is idempotent")

	after, _ := env.registry.Get("jazzfm")
	assert.Equal(t, StateStopped, after.State)
	assert.Zero(t, after.Port)
	assert.Zero(t, after.PID)
	assert.Empty(t, after.OutputEndpoint)
	assert.Equal(t, 0, env.ports.InUse())
	assert.False(t, env.workers.Running("jazzfm"))
	assert.True(t, processGone(rec.PID))
}

func TestWorkerManager_Stop_forced_kill(t *testing.T) {
	env := newWorkersEnv(t, modeIgnoreTerm)
	env.add(t, "stubborn")
	require.NoError(t, env.workers.Start(context.Background(), "stubborn"))
	rec, _ := env.registry.Get("stubborn")

	require.NoError(t, env.workers.Stop("stubborn", 200*time.Millisecond))

	assert.True(t, processGone(rec.PID))
	assert.Equal(t, 0, env.ports.InUse())
}

func TestWorkerManager_Restart(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.add(t, "jazzfm")
	require.NoError(t, env.workers.Start(context.Background(), "jazzfm"))
	before, _ := env.registry.Get("jazzfm")

	require.NoError(t, env.workers.Restart(context.Background(), "jazzfm"))
	after, _ := env.registry.Get("jazzfm")

	assert.Equal(t, StateRunning, after.State)
	assert.NotEqual(t, before.PID, after.PID)
	assert.Equal(t, env.launcher.Endpoint(after.Port), after.OutputEndpoint)
	assert.True(t, processGone(before.PID))
	assert.Equal(t, 1, env.ports.InUse())
}

func TestWorkerManager_Restart_without_worker_starts_one(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.add(t, "jazzfm")

	require.NoError(t, env.workers.Restart(context.Background(), "jazzfm"))
	assert.True(t, env.workers.Running("jazzfm"))
}

func TestWorkerManager_Start_missing_binary(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.launcher.binary = "/nonexistent/encoder"
	env.add(t, "jazzfm")

	err := env.workers.Start(context.Background(), "jazzfm")
	require.Error(t, err)
	assert.True(t, IsLaunchError(err))

	rec, _ := env.registry.Get("jazzfm")
	assert.Equal(t, StateFailed, rec.State)
	assert.NotEmpty(t, rec.LastError)
	assert.Zero(t, rec.Port)
	assert.Equal(t, 0, env.ports.InUse())
}

func TestWorkerManager_Start_crash_during_launch(t *testing.T) {
	env := newWorkersEnv(t, modeCrash)
	env.add(t, "jazzfm")

	err := env.workers.Start(context.Background(), "jazzfm")
	require.Error(t, err)
	assert.True(t, IsLaunchError(err))

	rec, _ := env.registry.Get("jazzfm")
	assert.Equal(t, StateFailed, rec.State)
	assert.Contains(t, rec.LastError, "exited during launch")
	assert.Equal(t, 0, env.ports.InUse())

	log, err := os.ReadFile(env.workers.LogPath("jazzfm"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "input unreachable")
}

func TestWorkerManager_Start_placeholder_render_failure(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.cards.setErr(assert.AnError)
	env.add(t, "jazzfm")

	err := env.workers.Start(context.Background(), "jazzfm")
	assert.True(t, IsLaunchError(err))
	assert.Equal(t, 0, env.ports.InUse())
}

func TestWorkerManager_runtime_crash_marks_failed_then_recovers(t *testing.T) {
	env := newWorkersEnv(t, modeDieLater)
	env.add(t, "flaky")
	require.NoError(t, env.workers.Start(context.Background(), "flaky"))

	require.Eventually(t, func() bool {
		rec, _ := env.registry.Get("flaky")
		return rec.State == StateFailed
	}, 5*time.Second, 20*time.Millisecond)

	rec, _ := env.registry.Get("flaky")
	assert.Zero(t, rec.PID)
	assert.Zero(t, rec.Port)
	assert.Empty(t, rec.OutputEndpoint)
	assert.Contains(t, rec.LastError, "worker exited")
	assert.False(t, env.workers.Running("flaky"))

	env.launcher.setMode(modeServe)
	require.NoError(t, env.workers.Start(context.Background(), "flaky"))

	rec, _ = env.registry.Get("flaky")
	assert.Equal(t, StateRunning, rec.State)
	assert.Equal(t, 1, env.ports.InUse(), "crashed worker's port was reclaimed")
}

func TestWorkerManager_Start_exit_before_commit_is_launch_failure(t *testing.T) {
	env := newWorkersEnv(t, modeDieLater)
	env.launcher.mu.Lock()
	env.launcher.endpointDelay = 1500 * time.Millisecond
	env.launcher.mu.Unlock()
	env.add(t, "flaky")

	err := env.workers.Start(context.Background(), "flaky")
	require.Error(t, err)
	assert.True(t, IsLaunchError(err))

	rec, _ := env.registry.Get("flaky")
	assert.Equal(t, StateFailed, rec.State)
	assert.Zero(t, rec.PID)
	assert.Empty(t, rec.OutputEndpoint)
	assert.False(t, env.workers.Running("flaky"))
	assert.Equal(t, 0, env.ports.InUse())

	env.launcher.mu.Lock()
	env.launcher.mode = modeServe
	env.launcher.endpointDelay = 0
	env.launcher.mu.Unlock()
	require.NoError(t, env.workers.Start(context.Background(), "flaky"))
	rec, _ = env.registry.Get("flaky")
	assert.Equal(t, StateRunning, rec.State)
}

func TestWorkerManager_Discard(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.add(t, "jazzfm")
	require.NoError(t, env.workers.Start(context.Background(), "jazzfm"))
	rec, _ := env.registry.Get("jazzfm")

	_, err := env.registry.Remove("jazzfm")
	require.NoError(t, err)
	env.workers.Discard("jazzfm", time.Second)

	assert.True(t, processGone(rec.PID))
	assert.Equal(t, 0, env.ports.InUse())
	_, err = os.Stat(env.workers.LogPath("jazzfm"))
	assert.True(t, os.IsNotExist(err), "log sink deleted")

	assert.ErrorIs(t, env.workers.Start(context.Background(), "jazzfm"), ErrNotFound)
	assert.ErrorIs(t, env.workers.Restart(context.Background(), "jazzfm"), ErrNotFound)
	assert.ErrorIs(t, env.workers.Stop("jazzfm", time.Second), ErrNotFound)
}

func TestWorkerManager_Start_removed_record(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.add(t, "jazzfm")
	_, err := env.registry.Remove("jazzfm")
	require.NoError(t, err)

	assert.ErrorIs(t, env.workers.Start(context.Background(), "jazzfm"), ErrNotFound)
	assert.Equal(t, 0, env.ports.InUse())
}

func TestWorkerManager_streams_get_disjoint_ports(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.add(t, "a")
	env.add(t, "b")

	var wg sync.WaitGroup
	for _, id := range []StreamID{"a", "b"} {
		wg.Add(1)
		go func(id StreamID) {
			defer wg.Done()
			assert.NoError(t, env.workers.Start(context.Background(), id))
		}(id)
	}
	wg.Wait()

	a, _ := env.registry.Get("a")
	b, _ := env.registry.Get("b")
	assert.NotEqual(t, a.Port, b.Port)
	assert.NotEqual(t, a.OutputEndpoint, b.OutputEndpoint)
}

func TestWorkerManager_StopAll(t *testing.T) {
	env := newWorkersEnv(t, modeServe)
	env.add(t, "a")
	env.add(t, "b")
	require.NoError(t, env.workers.Start(context.Background(), "a"))
	require.NoError(t, env.workers.Start(context.Background(), "b"))

	env.workers.StopAll(time.Second)

	assert.False(t, env.workers.Running("a"))
	assert.False(t, env.workers.Running("b"))
	assert.Equal(t, 0, env.ports.InUse())
}
