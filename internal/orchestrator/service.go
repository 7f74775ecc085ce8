package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stream-relay/internal/platform/metrics"
)

var nonIDChars = regexp.MustCompile(`[^a-z0-9]`)

// StreamIDFromName derives a stream id from a station name: lowercase, with
// everything outside [a-z0-9] dropped. A name with no usable characters gets
// a random "stream_" id.
func StreamIDFromName(name string) StreamID {
	id := nonIDChars.ReplaceAllString(strings.ToLower(name), "")
	if id == "" {
		id = "stream_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return StreamID(id)
}

// Config wires the supervisor.
type Config struct {
	WorkerHost string
	PortMin    int
	PortMax    int

	Workers WorkerOptions
	Poller  PollerOptions
	Relay   RelayOptions

	// StopTimeout is the graceful-stop budget used when a stream is removed.
	StopTimeout time.Duration
	// PollerGrace bounds the wait for a cancelled poller to exit.
	PollerGrace time.Duration
}

// Service is the supervision and relay core exposed to the web layer.
type Service struct {
	registry *Registry
	ports    *PortAllocator
	workers  *WorkerManager
	poller   *Poller
	relay    *Relay
	launcher Launcher
	cards    CardRenderer
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pollers map[StreamID]*pollerHandle
	// removing holds ids whose teardown is still stopping the old worker. The
	// channel closes once the id's slot, port, log and card are gone.
	removing map[StreamID]chan struct{}
}

type pollerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds the registry, port allocator, worker manager, poller and
// relay around the given collaborators. m may be nil.
func NewService(cfg Config, launcher Launcher, source MetadataSource, cards CardRenderer, log *slog.Logger, m *metrics.Metrics) *Service {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.PollerGrace <= 0 {
		cfg.PollerGrace = 5 * time.Second
	}

	registry := NewRegistry()
	ports := NewPortAllocator(cfg.WorkerHost, cfg.PortMin, cfg.PortMax)
	workers := NewWorkerManager(registry, ports, launcher, cards, cfg.Workers, log, m)
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		registry: registry,
		ports:    ports,
		workers:  workers,
		poller:   NewPoller(registry, workers, source, cards, cfg.Poller, log, m),
		relay:    NewRelay(registry, workers, cfg.Relay, log, m),
		launcher: launcher,
		cards:    cards,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		baseCtx:  ctx,
		cancel:   cancel,
		pollers:  make(map[StreamID]*pollerHandle),
		removing: make(map[StreamID]chan struct{}),
	}
}

// Registry returns the stream registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Ports returns the port allocator.
func (s *Service) Ports() *PortAllocator {
	return s.ports
}

// AddStream creates a stream, launches its worker and starts its poller.
// If the worker cannot be launched the stream is rolled back and a
// *LaunchError is returned.
func (s *Service) AddStream(ctx context.Context, cfg StreamConfig) (StreamID, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.SourceURL = strings.TrimSpace(cfg.SourceURL)
	cfg.IconURL = strings.TrimSpace(cfg.IconURL)
	if cfg.Name == "" || cfg.SourceURL == "" {
		return "", ErrInvalidStream
	}

	id := StreamIDFromName(cfg.Name)

	if err := s.launcher.Check(ctx); err != nil {
		s.metrics.IncLaunchFailures()
		return "", &LaunchError{ID: id, Err: err}
	}

	if err := s.create(ctx, id, cfg); err != nil {
		return "", err
	}

	if err := s.workers.Start(ctx, id); err != nil {
		s.rollback(id)
		return "", err
	}

	s.spawnPoller(id)
	s.metrics.IncStreamsAdded()
	s.log.Info("stream added",
		slog.String("stream_id", string(id)),
		slog.String("name", cfg.Name),
		slog.String("url", cfg.SourceURL))
	return id, nil
}

// RemoveStream removes the stream, cancels its poller, stops its worker and
// deletes its log and title card. Adding a stream with the same id waits until
// this teardown is complete.
func (s *Service) RemoveStream(id StreamID) error {
	done, err := s.beginTeardown(id)
	if err != nil {
		return err
	}
	defer s.endTeardown(id, done)

	s.stopPoller(id)
	s.workers.Discard(id, s.cfg.StopTimeout)
	s.removeCard(id)

	s.metrics.IncStreamsRemoved()
	s.log.Info("stream removed", slog.String("stream_id", string(id)))
	return nil
}

// RefreshStream restarts the worker of id.
func (s *Service) RefreshStream(ctx context.Context, id StreamID) error {
	return s.workers.Restart(ctx, id)
}

// GetSnapshot returns the record of id.
func (s *Service) GetSnapshot(id StreamID) (StreamRecord, error) {
	return s.registry.Get(id)
}

// ListSnapshots returns every record, ordered by id.
func (s *Service) ListSnapshots() []StreamRecord {
	return s.registry.List()
}

// OpenRelay opens a viewer session on the current worker of id, starting the
// worker if needed. The caller must Close the session.
func (s *Service) OpenRelay(ctx context.Context, id StreamID) (*Session, error) {
	return s.relay.Open(ctx, id)
}

// OpenLog returns the current worker log of id. A stream whose worker never
// wrote a log yields an empty string.
func (s *Service) OpenLog(id StreamID) (string, error) {
	if _, err := s.registry.Get(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.workers.LogPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read worker log for %s: %w", id, err)
	}
	return string(data), nil
}

// PollerActive reports whether id has a poller task that has not exited.
func (s *Service) PollerActive(id StreamID) bool {
	s.mu.Lock()
	h, ok := s.pollers[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Shutdown cancels every poller and stops every worker.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	handles := make([]*pollerHandle, 0, len(s.pollers))
	for _, h := range s.pollers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.workers.StopAll(s.cfg.StopTimeout)
	return nil
}

func (s *Service) spawnPoller(id StreamID) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	h := &pollerHandle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.pollers[id] = h
	s.mu.Unlock()

	go func() {
		defer close(h.done)
		defer func() {
			s.mu.Lock()
			if s.pollers[id] == h {
				delete(s.pollers, id)
			}
			s.mu.Unlock()
		}()
		s.poller.Run(ctx, id)
	}()
}

func (s *Service) stopPoller(id StreamID) {
	s.mu.Lock()
	h, ok := s.pollers[id]
	delete(s.pollers, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(s.cfg.PollerGrace):
		s.log.Warn("poller did not exit within grace period",
			slog.String("stream_id", string(id)),
			slog.Duration("grace", s.cfg.PollerGrace))
	}
}

// create registers id and its worker slot once no teardown of an earlier
// stream with the same id is pending.
func (s *Service) create(ctx context.Context, id StreamID, cfg StreamConfig) error {
	for {
		s.mu.Lock()
		done, pending := s.removing[id]
		if !pending {
			_, err := s.registry.Create(id, cfg)
			if err == nil {
				s.workers.Register(id)
			}
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()

		s.log.Info("waiting for previous stream teardown", slog.String("stream_id", string(id)))
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// beginTeardown removes id from the registry and marks it as being torn down.
func (s *Service) beginTeardown(id StreamID) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.registry.Remove(id); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	s.removing[id] = done
	return done, nil
}

func (s *Service) endTeardown(id StreamID, done chan struct{}) {
	s.mu.Lock()
	if s.removing[id] == done {
		delete(s.removing, id)
	}
	s.mu.Unlock()
	close(done)
}

func (s *Service) rollback(id StreamID) {
	done, err := s.beginTeardown(id)
	if err != nil {
		return
	}
	defer s.endTeardown(id, done)

	s.workers.Discard(id, s.cfg.StopTimeout)
	s.removeCard(id)
}

func (s *Service) removeCard(id StreamID) {
	if err := s.cards.Remove(string(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("remove title card failed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
	}
}
