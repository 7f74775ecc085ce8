package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stream-relay/internal/metadata"
	"stream-relay/internal/platform/metrics"
)

const (
	DefaultPollInterval  = 30 * time.Second
	DefaultRetryInterval = 10 * time.Second
)

// MetadataSource fetches now-playing metadata and artwork.
type MetadataSource interface {
	FetchMetadata(ctx context.Context, url string) (metadata.Metadata, error)
	FetchArtwork(ctx context.Context, url string) ([]byte, error)
}

// restarter is the part of WorkerManager the poller drives.
type restarter interface {
	Restart(ctx context.Context, id StreamID) error
}

// PollerOptions tunes the poll loop.
type PollerOptions struct {
	Interval      time.Duration
	RetryInterval time.Duration
}

// Poller keeps a stream's current track and title card up to date and
// restarts the worker so a new card becomes visible.
type Poller struct {
	registry *Registry
	workers  restarter
	source   MetadataSource
	cards    CardRenderer
	opts     PollerOptions
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewPoller returns a Poller. m may be nil.
func NewPoller(registry *Registry, workers restarter, source MetadataSource, cards CardRenderer, opts PollerOptions, log *slog.Logger, m *metrics.Metrics) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	return &Poller{
		registry: registry,
		workers:  workers,
		source:   source,
		cards:    cards,
		opts:     opts,
		log:      log,
		metrics:  m,
	}
}

// Run polls id until ctx is cancelled or the stream disappears from the
// registry. Failed iterations are logged and retried on the shorter interval.
func (p *Poller) Run(ctx context.Context, id StreamID) {
	log := p.log.With(slog.String("stream_id", string(id)))
	log.Info("poller started")
	defer log.Info("poller stopped")

	for {
		err := p.Poll(ctx, id)
		delay := p.opts.Interval

		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrNotFound):
			return
		default:
			p.metrics.IncPollErrors()
			log.Warn("poll failed", slog.String("error", err.Error()), slog.Duration("retry_in", p.opts.RetryInterval))
			delay = p.opts.RetryInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Poll runs one iteration: fetch metadata, re-render the title card when the
// track changed, and restart the worker if a new card is waiting.
func (p *Poller) Poll(ctx context.Context, id StreamID) error {
	rec, err := p.registry.Get(id)
	if err != nil {
		return err
	}

	meta, err := p.source.FetchMetadata(ctx, rec.SourceURL)
	if err != nil {
		return &UpstreamFetchError{URL: rec.SourceURL, Err: err}
	}
	// A poller that outlived its removal must not touch a re-added stream.
	if err := ctx.Err(); err != nil {
		return err
	}

	title := meta.Title
	if title == "" {
		title = rec.Name
	}
	artworkURL := meta.ArtworkURL
	if artworkURL == "" {
		artworkURL = rec.IconURL
	}
	title = metadata.NormalizeTitle(title)

	if title != rec.CurrentTrack {
		if err := p.renderCard(ctx, rec, title, artworkURL); err != nil {
			return err
		}
		err := p.registry.Mutate(id, func(rec *StreamRecord) error {
			rec.CurrentTrack = title
			rec.NeedsRestart = true
			return nil
		})
		if err != nil {
			return err
		}
		p.log.Info("now playing", slog.String("stream_id", string(id)), slog.String("title", title))
	}

	rec, err = p.registry.Get(id)
	if err != nil {
		return err
	}
	if !rec.NeedsRestart {
		return nil
	}

	// Cancellation wins over a pending restart.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.workers.Restart(ctx, id); err != nil {
		return fmt.Errorf("restart worker for new title card: %w", err)
	}
	return p.registry.Mutate(id, func(rec *StreamRecord) error {
		rec.NeedsRestart = false
		return nil
	})
}

func (p *Poller) renderCard(ctx context.Context, rec StreamRecord, title, artworkURL string) error {
	var artwork []byte
	if artworkURL != "" {
		data, err := p.source.FetchArtwork(ctx, artworkURL)
		if err != nil {
			p.log.Warn("artwork unavailable, rendering without it",
				slog.String("stream_id", string(rec.ID)),
				slog.String("error", (&UpstreamFetchError{URL: artworkURL, Err: err}).Error()))
		} else {
			artwork = data
		}
	}

	if _, err := p.cards.Render(ctx, string(rec.ID), rec.Name, title, artwork); err != nil {
		return fmt.Errorf("render title card: %w", err)
	}
	p.metrics.IncCardRenders()
	return nil
}
