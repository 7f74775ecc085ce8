package orchestrator

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func helperCommandPort(t *testing.T, mode string) (*fakeLauncher, int) {
	t.Helper()
	port, err := NewPortAllocator("127.0.0.1", 0, 0).Allocate("w")
	require.NoError(t, err)
	return newFakeLauncher(mode), port
}

func TestStartWorker_terminate_graceful(t *testing.T) {
	l, port := helperCommandPort(t, modeServe)

	w, err := startWorker(l.Command("http://in", "card.png", port), 200*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Greater(t, w.PID(), 0)
	assert.False(t, w.Exited())
	assert.Contains(t, w.Command(), "-helper-encoder")

	assert.Equal(t, Exited, w.Terminate(2*time.Second))
	assert.True(t, w.Exited())
	assert.True(t, processGone(w.PID()))

	// A second terminate is a no-op.
	assert.Equal(t, Exited, w.Terminate(time.Second))
}

func TestStartWorker_exit_during_grace_is_launch_failure(t *testing.T) {
	l, port := helperCommandPort(t, modeCrash)

	w, err := startWorker(l.Command("http://in", "card.png", port), 2*time.Second, nil)
	require.Error(t, err)
	assert.Nil(t, w)
	assert.Contains(t, err.Error(), "exited during launch")
}

func TestStartWorker_missing_binary(t *testing.T) {
	l, port := helperCommandPort(t, modeServe)
	l.binary = "/nonexistent/encoder"

	_, err := startWorker(l.Command("http://in", "card.png", port), 100*time.Millisecond, nil)
	require.Error(t, err)
}

func TestWorker_Terminate_escalates_to_kill(t *testing.T) {
	l, port := helperCommandPort(t, modeIgnoreTerm)

	w, err := startWorker(l.Command("http://in", "card.png", port), 300*time.Millisecond, nil)
	require.NoError(t, err)

	start := time.Now()
	assert.Equal(t, ForcedKill, w.Terminate(200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, w.Exited())
	assert.True(t, processGone(w.PID()))
}

func TestWorker_onExit_only_for_unrequested_exit(t *testing.T) {
	l, port := helperCommandPort(t, modeDieLater)

	var calls atomic.Int32
	w, err := startWorker(l.Command("http://in", "card.png", port), 200*time.Millisecond, func(*Worker) {
		calls.Add(1)
	})
	require.NoError(t, err)

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Error(t, w.ExitErr())

	l.setMode(modeServe)
	w2, err := startWorker(l.Command("http://in", "card.png", port), 200*time.Millisecond, func(*Worker) {
		calls.Add(1)
	})
	require.NoError(t, err)
	w2.Terminate(2 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "requested stop must not notify")
}

func TestTerminateResult_String(t *testing.T) {
	assert.Equal(t, "exited", Exited.String())
	assert.Equal(t, "forced_kill", ForcedKill.String())
	assert.Equal(t, "unknown", TerminateResult(9).String())
}
