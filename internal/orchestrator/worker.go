package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// killWait bounds how long Terminate waits for a killed process to be reaped.
const killWait = 5 * time.Second

// TerminateResult reports how a worker ended.
type TerminateResult int

const (
	// Exited means the worker was already gone or exited on the graceful signal.
	Exited TerminateResult = iota
	// ForcedKill means the worker ignored the graceful signal and was killed.
	ForcedKill
)

// String returns the string representation of a TerminateResult
func (r TerminateResult) String() string {
	switch r {
	case Exited:
		return "exited"
	case ForcedKill:
		return "forced_kill"
	default:
		return "unknown"
	}
}

// Worker is the owned handle of one running encoder process.
type Worker struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
	err       error

	mu       sync.Mutex
	launched bool
	stopping bool
	onExit   func(*Worker)
}

// startWorker starts cmd and waits grace for it to prove it stays up. A
// process that exits inside the grace period is a launch failure. onExit, if
// set, is called once when a launched worker exits without Terminate having
// been called.
func startWorker(cmd *exec.Cmd, grace time.Duration, onExit func(*Worker)) (*Worker, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &Worker{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		onExit:    onExit,
	}

	go w.wait()

	if grace > 0 {
		select {
		case <-w.done:
		case <-time.After(grace):
		}
	}

	w.mu.Lock()
	select {
	case <-w.done:
		w.mu.Unlock()
		return nil, fmt.Errorf("worker exited during launch: %s", describeExit(w.err))
	default:
	}
	w.launched = true
	w.mu.Unlock()

	return w, nil
}

func (w *Worker) wait() {
	w.err = w.cmd.Wait()
	close(w.done)

	w.mu.Lock()
	notify := w.launched && !w.stopping && w.onExit != nil
	w.mu.Unlock()

	if notify {
		w.onExit(w)
	}
}

// PID returns the process id.
func (w *Worker) PID() int {
	return w.pid
}

// StartedAt returns when the process was started.
func (w *Worker) StartedAt() time.Time {
	return w.startedAt
}

// Command returns the command line the worker was started with.
func (w *Worker) Command() string {
	return strings.Join(w.cmd.Args, " ")
}

// Done is closed once the process has exited and been reaped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Exited reports whether the process has exited.
func (w *Worker) Exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error of an exited process, nil before exit.
func (w *Worker) ExitErr() error {
	if !w.Exited() {
		return nil
	}
	return w.err
}

// Terminate stops the worker: a graceful SIGTERM first, then SIGKILL if the
// process is still alive after timeout. Calling it on an exited worker is a
// no-op that reports Exited.
func (w *Worker) Terminate(timeout time.Duration) TerminateResult {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()

	if w.Exited() {
		return Exited
	}

	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		timeout = 0
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return Exited
	case <-timer.C:
	}

	_ = w.cmd.Process.Kill()

	select {
	case <-w.done:
	case <-time.After(killWait):
	}
	return ForcedKill
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.String()
	}
	return err.Error()
}
