package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"eventbus/internal/errors"
	"eventbus/internal/events"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

// StreamOps is the part of the stream backend the admin API drives.
type StreamOps interface {
	Pending(ctx context.Context, eventName string) (*redis.XPending, error)
	ReclaimAndProcess(ctx context.Context, eventName string, minIdle time.Duration, maxCount int64) (events.ReclaimResult, error)
	DeadLetters(ctx context.Context, eventName string, count int64) ([]events.DeadLetter, error)
}

type Config struct {
	DefaultMinIdle time.Duration
	DefaultCount   int64
}

type Handler struct {
	streams StreamOps
	cfg     Config
}

// NewHandler serves pending/reclaim/dead-letter inspection. streams may be
// nil when the process runs a backend without consumer groups.
func NewHandler(streams StreamOps, cfg Config) *Handler {
	if cfg.DefaultMinIdle <= 0 {
		cfg.DefaultMinIdle = events.DefaultReclaimMinIdle
	}
	if cfg.DefaultCount <= 0 {
		cfg.DefaultCount = events.DefaultReclaimBatch
	}
	return &Handler{streams: streams, cfg: cfg}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/events/{event}/pending", h.GetPending)
	r.Post("/events/{event}/reclaim", h.Reclaim)
	r.Get("/events/{event}/dlq", h.GetDeadLetters)
	return r
}

type pendingResponse struct {
	Event     string           `json:"event"`
	Stream    string           `json:"stream"`
	Count     int64            `json:"count"`
	Lower     string           `json:"lower,omitempty"`
	Higher    string           `json:"higher,omitempty"`
	Consumers map[string]int64 `json:"consumers"`
}

func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	eventName := chi.URLParam(r, "event")

	p, err := h.streams.Pending(r.Context(), eventName)
	if err != nil {
		errors.RespondError(w, r, errors.New(errors.ErrInternal, "Failed to read pending entries", err))
		return
	}

	consumers := p.Consumers
	if consumers == nil {
		consumers = map[string]int64{}
	}
	errors.RespondJSON(w, http.StatusOK, pendingResponse{
		Event:     eventName,
		Stream:    events.StreamKey(eventName),
		Count:     p.Count,
		Lower:     p.Lower,
		Higher:    p.Higher,
		Consumers: consumers,
	})
}

func (h *Handler) Reclaim(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	eventName := chi.URLParam(r, "event")

	minIdle := h.cfg.DefaultMinIdle
	if v := r.URL.Query().Get("min_idle"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			errors.RespondError(w, r, errors.New(errors.ErrInvalidInput, "min_idle must be a non-negative duration", err))
			return
		}
		minIdle = d
	}

	count, ok := h.count(w, r)
	if !ok {
		return
	}

	res, err := h.streams.ReclaimAndProcess(r.Context(), eventName, minIdle, count)
	if err != nil {
		errors.RespondError(w, r, errors.New(errors.ErrInternal, "Reclaim failed", err))
		return
	}
	errors.RespondJSON(w, http.StatusOK, res)
}

func (h *Handler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	eventName := chi.URLParam(r, "event")

	count, ok := h.count(w, r)
	if !ok {
		return
	}

	entries, err := h.streams.DeadLetters(r.Context(), eventName, count)
	if err != nil {
		errors.RespondError(w, r, errors.New(errors.ErrInternal, "Failed to read dead-letter stream", err))
		return
	}
	errors.RespondJSON(w, http.StatusOK, map[string]any{
		"event":   eventName,
		"stream":  events.DeadLetterKey(eventName),
		"entries": entries,
	})
}

func (h *Handler) available(w http.ResponseWriter, r *http.Request) bool {
	if h.streams == nil {
		errors.RespondError(w, r, errors.New(errors.ErrUnavailable, "The configured event bus has no consumer groups", nil))
		return false
	}
	return true
}

func (h *Handler) count(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v := r.URL.Query().Get("count")
	if v == "" {
		return h.cfg.DefaultCount, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		errors.RespondError(w, r, errors.New(errors.ErrInvalidInput, "count must be a positive integer", err))
		return 0, false
	}
	return n, true
}
