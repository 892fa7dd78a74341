package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// defaultWindow is used when the caller omits the from bound.
const defaultWindow = 7 * 24 * time.Hour

// Handler serves the read-only analytics endpoints.
type Handler struct {
	aggregator *Aggregator
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates the analytics HTTP handler.
func NewHandler(aggregator *Aggregator, logger *zap.Logger) *Handler {
	return &Handler{
		aggregator: aggregator,
		logger:     logger,
		now:        time.Now,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// Hourly handles GET /api/stats/hourly?from=<iso-utc>&to=<iso-utc>.
func (h *Handler) Hourly(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.aggregator.Hourly)
}

// Daily handles GET /api/stats/daily?from=<iso-utc>&to=<iso-utc>.
func (h *Handler) Daily(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.aggregator.Daily)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, aggregate func(ctx context.Context, from, to time.Time) ([]Bucket, error)) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	from, to, err := h.parseRange(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	buckets, err := aggregate(r.Context(), from, to)
	if err != nil {
		h.logger.Error("failed to aggregate stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to aggregate stats"})
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

// parseRange applies the defaults: to = now (UTC), from = to - 7 days.
// Both bounds are normalized to UTC; from is inclusive, to exclusive.
func (h *Handler) parseRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()

	to := h.now().UTC()
	if raw := q.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, &rangeError{param: "to", raw: raw}
		}
		to = parsed.UTC()
	}

	from := to.Add(-defaultWindow)
	if raw := q.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, &rangeError{param: "from", raw: raw}
		}
		from = parsed.UTC()
	}

	return from, to, nil
}

type rangeError struct {
	param string
	raw   string
}

func (e *rangeError) Error() string {
	return "invalid " + e.param + " timestamp: " + e.raw
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
