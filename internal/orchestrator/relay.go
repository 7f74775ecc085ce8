package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"stream-relay/internal/platform/metrics"
)

const (
	// relayChunkSize is the read size used when forwarding worker output.
	relayChunkSize = 8192

	// DefaultContentType is used when the worker does not announce one.
	DefaultContentType = "video/x-matroska"
)

// starter is the part of WorkerManager the relay drives.
type starter interface {
	Running(id StreamID) bool
	Start(ctx context.Context, id StreamID) error
}

// RelayOptions tunes upstream connection behavior.
type RelayOptions struct {
	// ConnectWindow bounds how long Open keeps retrying a worker endpoint that
	// is not accepting connections yet.
	ConnectWindow time.Duration
	// RetryDelay is the pause between connection attempts.
	RetryDelay time.Duration
}

// Relay forwards a worker's live output to viewers, starting the worker on
// demand. Each session resolves the endpoint when it opens and stays bound to
// it; a restart underneath ends the session.
type Relay struct {
	registry *Registry
	workers  starter
	client   *http.Client
	opts     RelayOptions
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewRelay returns a Relay. m may be nil.
func NewRelay(registry *Registry, workers starter, opts RelayOptions, log *slog.Logger, m *metrics.Metrics) *Relay {
	if opts.ConnectWindow <= 0 {
		opts.ConnectWindow = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
		ResponseHeaderTimeout: 10 * time.Second,
		DisableCompression:    true,
	}

	return &Relay{
		registry: registry,
		workers:  workers,
		// No client timeout: a session lasts as long as the viewer stays.
		client:  &http.Client{Transport: transport},
		opts:    opts,
		log:     log,
		metrics: m,
	}
}

// Session is one viewer's connection to a worker endpoint.
type Session struct {
	ID          StreamID
	Endpoint    string
	ContentType string

	body      io.ReadCloser
	metrics   *metrics.Metrics
	closeOnce sync.Once
}

// Open resolves the stream, starts its worker if it is not running, and
// connects to the worker's current endpoint. The session ends when ctx is done.
func (r *Relay) Open(ctx context.Context, id StreamID) (*Session, error) {
	rec, err := r.registry.Get(id)
	if err != nil {
		return nil, err
	}

	if !r.workers.Running(id) {
		r.log.Info("worker not running, starting on demand",
			slog.String("stream_id", string(id)),
			slog.String("state", string(rec.State)))
		if err := r.workers.Start(ctx, id); err != nil {
			return nil, err
		}
	}

	// Running and Start wait on the slot lock, so a restart may have moved the
	// worker to a new port since the first read.
	if rec, err = r.registry.Get(id); err != nil {
		return nil, err
	}

	if rec.OutputEndpoint == "" {
		return nil, &LaunchError{ID: id, Err: errors.New("worker has no output endpoint")}
	}

	body, contentType, err := r.connect(ctx, rec.OutputEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %s: %v", ErrWorkerUnreachable, id, rec.OutputEndpoint, err)
	}

	r.metrics.RelaySessionOpened()
	return &Session{
		ID:          id,
		Endpoint:    rec.OutputEndpoint,
		ContentType: contentType,
		body:        body,
		metrics:     r.metrics,
	}, nil
}

func (r *Relay) connect(ctx context.Context, endpoint string) (io.ReadCloser, string, error) {
	deadline := time.Now().Add(r.opts.ConnectWindow)

	for {
		body, contentType, err := r.dial(ctx, endpoint)
		if err == nil {
			return body, contentType, nil
		}
		if ctx.Err() != nil || time.Now().Add(r.opts.RetryDelay).After(deadline) {
			return nil, "", err
		}

		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(r.opts.RetryDelay):
		}
	}
}

func (r *Relay) dial(ctx context.Context, endpoint string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = DefaultContentType
	}
	return resp.Body, contentType, nil
}

// Forward copies the worker output to w chunk by chunk, calling flush after
// each chunk, until the upstream ends or a write fails. It never resumes: on
// any error the session is over.
func (s *Session) Forward(w io.Writer, flush func() error) (int64, error) {
	buf := make([]byte, relayChunkSize)
	var total int64

	for {
		n, rerr := s.body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			s.metrics.AddRelayBytes(int64(n))
			if flush != nil {
				if err := flush(); err != nil {
					return total, err
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

// Close releases the upstream connection. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		s.metrics.RelaySessionClosed()
	})
	return err
}
