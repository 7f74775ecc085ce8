package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"stream-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// Handler exposes supervisor HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes mounts the stream endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/streams", func(r chi.Router) {
		r.Get("/", h.ListStreams)
		r.Post("/", h.AddStream)
		r.Route("/{stream_id}", func(r chi.Router) {
			r.Get("/", h.GetStream)
			r.Delete("/", h.RemoveStream)
			r.Post("/refresh", h.RefreshStream)
			r.Get("/live.mkv", h.Relay)
			r.Get("/logs", h.Logs)
		})
	})
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListSnapshots())
}

// AddStream handles POST /streams.
// Body: { "name": "Jazz FM", "url": "http://host/stream", "icon": "http://host/logo.png" }.
func (h *Handler) AddStream(w http.ResponseWriter, r *http.Request) {
	var cfg StreamConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.log.Debug("invalid stream body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	id, err := h.svc.AddStream(r.Context(), cfg)
	if err != nil {
		h.writeError(w, "", "add stream failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]StreamID{"id": id})
}

// GetStream handles GET /streams/{stream_id}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	id := StreamID(chi.URLParam(r, "stream_id"))

	rec, err := h.svc.GetSnapshot(id)
	if err != nil {
		h.writeError(w, id, "get stream failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RemoveStream handles DELETE /streams/{stream_id}.
func (h *Handler) RemoveStream(w http.ResponseWriter, r *http.Request) {
	id := StreamID(chi.URLParam(r, "stream_id"))

	if err := h.svc.RemoveStream(id); err != nil {
		h.writeError(w, id, "remove stream failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshStream handles POST /streams/{stream_id}/refresh.
func (h *Handler) RefreshStream(w http.ResponseWriter, r *http.Request) {
	id := StreamID(chi.URLParam(r, "stream_id"))

	if err := h.svc.RefreshStream(r.Context(), id); err != nil {
		h.writeError(w, id, "refresh stream failed", err)
		return
	}

	rec, err := h.svc.GetSnapshot(id)
	if err != nil {
		h.writeError(w, id, "refresh stream failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Relay handles GET /streams/{stream_id}/live.mkv. The response streams until
// the viewer disconnects or the worker output ends.
func (h *Handler) Relay(w http.ResponseWriter, r *http.Request) {
	id := StreamID(chi.URLParam(r, "stream_id"))

	sess, err := h.svc.OpenRelay(r.Context(), id)
	if err != nil {
		h.writeError(w, id, "open relay failed", err)
		return
	}
	defer sess.Close()

	w.Header().Set("Content-Type", sess.ContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	n, err := sess.Forward(w, rc.Flush)

	attrs := []any{
		slog.String("stream_id", string(id)),
		slog.String("endpoint", sess.Endpoint),
		slog.Int64("bytes", n),
	}
	if err != nil && r.Context().Err() == nil {
		// Headers already went out as 200; the middleware cannot see this one.
		h.metrics.IncErrors()
		h.log.Warn("relay session ended", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	h.log.Debug("relay session closed", attrs...)
}

// Logs handles GET /streams/{stream_id}/logs.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	id := StreamID(chi.URLParam(r, "stream_id"))

	text, err := h.svc.OpenLog(id)
	if err != nil {
		h.writeError(w, id, "read log failed", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

func (h *Handler) writeError(w http.ResponseWriter, id StreamID, msg string, err error) {
	status := statusFor(err)

	attrs := []any{slog.String("error", err.Error()), slog.Int("status", status)}
	if id != "" {
		attrs = append(attrs, slog.String("stream_id", string(id)))
	}
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, attrs...)
	} else {
		h.log.Info(msg, attrs...)
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidStream):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoPortAvailable):
		return http.StatusServiceUnavailable
	case IsLaunchError(err), errors.Is(err, ErrWorkerUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
