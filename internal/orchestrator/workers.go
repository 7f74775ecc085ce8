package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"stream-relay/internal/platform/metrics"
)

// PlaceholderTitle is drawn on the title card of a stream whose track is not
// known yet.
const PlaceholderTitle = "Starting stream..."

var errStaleWorker = errors.New("record belongs to a newer worker")

// Launcher builds encoder processes. The returned command must serve its
// output on Endpoint(port) until it receives SIGTERM.
type Launcher interface {
	// Check verifies the encoder binary is present and runnable.
	Check(ctx context.Context) error
	Command(inputURL, imagePath string, port int) *exec.Cmd
	Endpoint(port int) string
}

// CardRenderer produces title-card images keyed by stream id.
type CardRenderer interface {
	Path(id string) string
	Exists(id string) bool
	Render(ctx context.Context, id, station, title string, artwork []byte) (string, error)
	Remove(id string) error
}

// WorkerOptions tunes the WorkerManager.
type WorkerOptions struct {
	// LogDir receives one truncated-per-start log file per stream.
	LogDir string
	// LaunchGrace is how long a fresh process must stay up to count as launched.
	LaunchGrace time.Duration
	// RestartTimeout is the graceful-stop budget used inside Restart.
	RestartTimeout time.Duration
}

// WorkerManager owns the encoder process of every stream. start, stop and
// restart of one id are serialized by that id's slot lock; different ids never
// contend.
type WorkerManager struct {
	registry *Registry
	ports    *PortAllocator
	launcher Launcher
	cards    CardRenderer
	opts     WorkerOptions
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	slots map[StreamID]*workerSlot
}

// workerSlot is the exclusive owner of one stream's worker, port and log sink.
type workerSlot struct {
	mu        sync.Mutex
	discarded bool
	worker    *Worker
	port      int
	logFile   *os.File
}

// NewWorkerManager returns a manager. m may be nil.
func NewWorkerManager(registry *Registry, ports *PortAllocator, launcher Launcher, cards CardRenderer, opts WorkerOptions, log *slog.Logger, m *metrics.Metrics) *WorkerManager {
	if opts.LogDir == "" {
		opts.LogDir = "output"
	}
	if opts.RestartTimeout <= 0 {
		opts.RestartTimeout = 2 * time.Second
	}
	return &WorkerManager{
		registry: registry,
		ports:    ports,
		launcher: launcher,
		cards:    cards,
		opts:     opts,
		log:      log,
		metrics:  m,
		slots:    make(map[StreamID]*workerSlot),
	}
}

// Register creates the worker slot for a newly created stream.
func (m *WorkerManager) Register(id StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[id]; !ok {
		m.slots[id] = &workerSlot{}
	}
}

// LogPath returns the log sink path of id.
func (m *WorkerManager) LogPath(id StreamID) string {
	return filepath.Join(m.opts.LogDir, fmt.Sprintf("ffmpeg_%s.log", id))
}

// Start launches the worker of id unless one is already running. A worker
// that crashed is reaped first.
func (m *WorkerManager) Start(ctx context.Context, id StreamID) error {
	slot, err := m.lockSlot(id)
	if err != nil {
		return err
	}
	defer slot.mu.Unlock()

	if slot.worker != nil && !slot.worker.Exited() {
		return nil
	}
	return m.startLocked(ctx, id, slot)
}

// Stop terminates the worker of id, escalating to a kill after timeout. Stopping
// a stream without a running worker is a no-op.
func (m *WorkerManager) Stop(id StreamID, timeout time.Duration) error {
	slot, err := m.lockSlot(id)
	if err != nil {
		return err
	}
	defer slot.mu.Unlock()

	if slot.worker == nil {
		return nil
	}
	m.stopLocked(id, slot, timeout, StateStopping)
	m.clearWorker(id, StateStopped)
	return nil
}

// Restart stops the current worker and starts a new one as one operation:
// no other start can slip in between. The new worker may listen on a different
// port; consumers must re-read the record.
func (m *WorkerManager) Restart(ctx context.Context, id StreamID) error {
	slot, err := m.lockSlot(id)
	if err != nil {
		return err
	}
	defer slot.mu.Unlock()

	if _, err := m.registry.Get(id); err != nil {
		return err
	}

	if slot.worker != nil {
		m.stopLocked(id, slot, m.opts.RestartTimeout, StateRestarting)
		m.clearWorker(id, StateRestarting)
	}

	if err := m.startLocked(ctx, id, slot); err != nil {
		return err
	}
	m.metrics.IncWorkerRestarts()
	return nil
}

// Running reports whether id has a live worker.
func (m *WorkerManager) Running(id StreamID) bool {
	slot, err := m.lockSlot(id)
	if err != nil {
		return false
	}
	defer slot.mu.Unlock()
	return slot.worker != nil && !slot.worker.Exited()
}

// Discard stops the worker of a removed stream, releases its port, closes and
// deletes its log sink, and forgets the slot. Any operation still queued on
// the slot afterwards fails with ErrNotFound.
func (m *WorkerManager) Discard(id StreamID, timeout time.Duration) {
	slot, err := m.lockSlot(id)
	if err != nil {
		return
	}
	defer slot.mu.Unlock()

	m.stopLocked(id, slot, timeout, StateStopping)
	slot.discarded = true

	m.mu.Lock()
	if m.slots[id] == slot {
		delete(m.slots, id)
	}
	m.mu.Unlock()

	if err := os.Remove(m.LogPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("remove worker log failed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
	}
}

// StopAll terminates every worker. Used on shutdown.
func (m *WorkerManager) StopAll(timeout time.Duration) {
	m.mu.Lock()
	ids := make([]StreamID, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id StreamID) {
			defer wg.Done()
			_ = m.Stop(id, timeout)
		}(id)
	}
	wg.Wait()
}

func (m *WorkerManager) lockSlot(id StreamID) (*workerSlot, error) {
	m.mu.Lock()
	slot, ok := m.slots[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	slot.mu.Lock()
	if slot.discarded {
		slot.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return slot, nil
}

// startLocked launches a worker. Caller must hold slot.mu.
func (m *WorkerManager) startLocked(ctx context.Context, id StreamID, slot *workerSlot) error {
	rec, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	if slot.worker != nil {
		m.log.Info("reaping exited worker",
			slog.String("stream_id", string(id)),
			slog.Int("pid", slot.worker.PID()),
			slog.String("exit", describeExit(slot.worker.ExitErr())))
		m.releaseLocked(slot)
	}

	if err := m.setState(id, StateStarting); err != nil {
		return err
	}

	port, err := m.ports.Allocate(id)
	if err != nil {
		return m.launchFailed(id, err)
	}

	imagePath := m.cards.Path(string(id))
	if !m.cards.Exists(string(id)) {
		if _, err := m.cards.Render(ctx, string(id), rec.Name, PlaceholderTitle, nil); err != nil {
			m.ports.Release(port)
			return m.launchFailed(id, fmt.Errorf("render placeholder title card: %w", err))
		}
		m.metrics.IncCardRenders()
	}

	if err := os.MkdirAll(m.opts.LogDir, 0o755); err != nil {
		m.ports.Release(port)
		return m.launchFailed(id, fmt.Errorf("create log dir: %w", err))
	}
	logFile, err := os.Create(m.LogPath(id))
	if err != nil {
		m.ports.Release(port)
		return m.launchFailed(id, fmt.Errorf("open log sink: %w", err))
	}

	cmd := m.launcher.Command(rec.SourceURL, imagePath, port)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	m.log.Info("starting worker",
		slog.String("stream_id", string(id)),
		slog.Int("port", port),
		slog.String("command", fmt.Sprint(cmd.Args)))

	worker, err := startWorker(cmd, m.opts.LaunchGrace, m.workerExited(id))
	if err != nil {
		logFile.Close()
		m.ports.Release(port)
		return m.launchFailed(id, err)
	}

	endpoint := m.launcher.Endpoint(port)
	err = m.registry.Mutate(id, func(rec *StreamRecord) error {
		rec.State = StateRunning
		rec.Port = port
		rec.OutputEndpoint = endpoint
		rec.PID = worker.PID()
		rec.Command = worker.Command()
		rec.LastUpdate = worker.StartedAt()
		rec.LastError = ""
		return nil
	})
	if err != nil {
		// Removed while launching.
		worker.Terminate(m.opts.RestartTimeout)
		logFile.Close()
		m.ports.Release(port)
		return err
	}

	// An exit before the commit above was ignored by the exit watcher as stale.
	if worker.Exited() {
		logFile.Close()
		m.ports.Release(port)
		return m.launchFailed(id, fmt.Errorf("worker exited during launch: %s", describeExit(worker.ExitErr())))
	}

	slot.worker = worker
	slot.port = port
	slot.logFile = logFile
	m.metrics.IncWorkerStarts()

	m.log.Info("worker running",
		slog.String("stream_id", string(id)),
		slog.Int("pid", worker.PID()),
		slog.String("endpoint", endpoint))
	return nil
}

// stopLocked terminates the slot's worker, if any, and releases its resources.
// Caller must hold slot.mu.
func (m *WorkerManager) stopLocked(id StreamID, slot *workerSlot, timeout time.Duration, transitional State) {
	if slot.worker == nil {
		return
	}

	_ = m.setState(id, transitional)

	pid := slot.worker.PID()
	if slot.worker.Terminate(timeout) == ForcedKill {
		m.metrics.IncForcedKills()
		m.log.Warn("worker killed",
			slog.String("stream_id", string(id)),
			slog.Int("pid", pid),
			slog.String("error", ErrTerminationTimeout.Error()),
			slog.Duration("timeout", timeout))
	} else {
		m.log.Info("worker stopped", slog.String("stream_id", string(id)), slog.Int("pid", pid))
	}

	m.releaseLocked(slot)
}

// releaseLocked closes the log sink and returns the port. Caller must hold slot.mu.
func (m *WorkerManager) releaseLocked(slot *workerSlot) {
	if slot.logFile != nil {
		slot.logFile.Close()
	}
	m.ports.Release(slot.port)
	slot.worker = nil
	slot.port = 0
	slot.logFile = nil
}

// clearWorker drops the worker fields of the record. A removed record is ignored.
func (m *WorkerManager) clearWorker(id StreamID, state State) {
	_ = m.registry.Mutate(id, func(rec *StreamRecord) error {
		rec.State = state
		rec.Port = 0
		rec.OutputEndpoint = ""
		rec.PID = 0
		return nil
	})
}

func (m *WorkerManager) setState(id StreamID, state State) error {
	return m.registry.Mutate(id, func(rec *StreamRecord) error {
		rec.State = state
		return nil
	})
}

func (m *WorkerManager) launchFailed(id StreamID, cause error) error {
	m.metrics.IncLaunchFailures()
	m.log.Error("worker launch failed", slog.String("stream_id", string(id)), slog.String("error", cause.Error()))

	_ = m.registry.Mutate(id, func(rec *StreamRecord) error {
		rec.State = StateFailed
		rec.Port = 0
		rec.OutputEndpoint = ""
		rec.PID = 0
		rec.LastError = cause.Error()
		return nil
	})
	return &LaunchError{ID: id, Err: cause}
}

// workerExited marks the record failed when its worker dies on its own. It
// runs without the slot lock, so the slot keeps the dead handle and its port
// reservation until the next start or stop reaps it.
func (m *WorkerManager) workerExited(id StreamID) func(*Worker) {
	return func(w *Worker) {
		reason := describeExit(w.ExitErr())
		m.log.Warn("worker exited unexpectedly",
			slog.String("stream_id", string(id)),
			slog.Int("pid", w.PID()),
			slog.String("exit", reason))

		_ = m.registry.Mutate(id, func(rec *StreamRecord) error {
			if rec.PID != w.PID() {
				return errStaleWorker
			}
			rec.State = StateFailed
			rec.Port = 0
			rec.OutputEndpoint = ""
			rec.PID = 0
			rec.LastError = "worker exited: " + reason
			return nil
		})
	}
}
