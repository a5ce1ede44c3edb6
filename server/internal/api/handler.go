package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
	"github.com/obsidianstack/vigil/server/internal/ingest"
	"github.com/obsidianstack/vigil/server/internal/metrics"
	"github.com/obsidianstack/vigil/server/internal/pipeline"
	"github.com/obsidianstack/vigil/server/internal/source"
	"github.com/obsidianstack/vigil/server/internal/store"
)

// maxBodyBytes bounds webhook and sample payloads.
const maxBodyBytes = 4 << 20

// Pipeline is the part of *pipeline.Pipeline the handlers need.
type Pipeline interface {
	Submit(ctx context.Context, s types.MetricSample) error
	SubmitAlert(ctx context.Context, ev types.AlertEvent) error
	Stats() pipeline.Stats
	Health() pipeline.Health
	Reject(kind string)
}

// Handler is the HTTP handler for the health, stats and /api/v1/* endpoints.
type Handler struct {
	pipeline Pipeline
	store    *store.Store
	mux      *http.ServeMux
	now      func() time.Time
}

// New creates a Handler and registers all routes.
func New(p Pipeline, st *store.Store) http.Handler {
	h := &Handler{pipeline: p, store: st, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc("/health", h.health)
	h.mux.HandleFunc("/stats", h.stats)
	h.mux.HandleFunc("/api/v1/alerts", h.alerts)
	h.mux.HandleFunc("/api/v1/samples", h.samples)
	h.mux.HandleFunc("/api/v1/incidents", h.listIncidents)
	h.mux.HandleFunc("/api/v1/incidents/", h.getIncident) // subtree, extracts {fp}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	hl := h.pipeline.Health()
	code := http.StatusOK
	if hl.Status == pipeline.HealthStopping {
		code = http.StatusServiceUnavailable
	}
	jsonResp(w, code, hl)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.pipeline.Stats())
}

// alerts accepts POST /api/v1/alerts.
func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	events, err := ingest.ParseWebhook(body, h.now())
	if err != nil {
		metrics.ObserveAlert(types.SourceExternal, "malformed")
		h.pipeline.Reject(pipeline.RejectAlert)
		slog.Warn("api: rejected alert payload", "remote", r.RemoteAddr, "err", err)
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	for i, ev := range events {
		if err := h.pipeline.SubmitAlert(r.Context(), ev); err != nil {
			submitErr(w, err, i)
			return
		}
	}
	jsonResp(w, http.StatusAccepted, AcceptedResponse{Accepted: len(events)})
}

// samples accepts POST /api/v1/samples.
func (h *Handler) samples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	batch, err := source.ParseSamples(body)
	if err != nil {
		metrics.ObserveSample("invalid")
		h.pipeline.Reject(pipeline.RejectSample)
		slog.Warn("api: rejected sample payload", "remote", r.RemoteAddr, "err", err)
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	for i, s := range batch {
		if err := h.pipeline.Submit(r.Context(), s); err != nil {
			submitErr(w, err, i)
			return
		}
	}
	jsonResp(w, http.StatusAccepted, AcceptedResponse{Accepted: len(batch)})
}

// listIncidents returns GET /api/v1/incidents, newest first.
func (h *Handler) listIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := r.URL.Query().Get("status")
	switch status {
	case "", "firing", "resolved":
	default:
		jsonErr(w, http.StatusBadRequest, "status must be firing or resolved")
		return
	}

	incs := h.store.List(status)
	jsonResp(w, http.StatusOK, IncidentsResponse{
		Count:     len(incs),
		Incidents: incs,
		Generated: h.now().UTC().Format(time.RFC3339),
	})
}

// getIncident returns GET /api/v1/incidents/{fingerprint}.
func (h *Handler) getIncident(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	fp := strings.TrimPrefix(r.URL.Path, "/api/v1/incidents/")
	if fp == "" {
		h.listIncidents(w, r)
		return
	}
	inc, ok := h.store.Get(fp)
	if !ok {
		jsonErr(w, http.StatusNotFound, "incident not found")
		return
	}
	jsonResp(w, http.StatusOK, inc)
}

// --- helpers ----------------------------------------------------------------

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonErr(w, http.StatusRequestEntityTooLarge, "payload too large")
			return nil, false
		}
		jsonErr(w, http.StatusBadRequest, "read body: "+err.Error())
		return nil, false
	}
	return body, true
}

// submitErr reports a pipeline refusal after accepted items were handed over.
func submitErr(w http.ResponseWriter, err error, accepted int) {
	slog.Warn("api: pipeline refused input", "accepted", accepted, "err", err)
	if errors.Is(err, pipeline.ErrClosed) {
		jsonErr(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	jsonErr(w, http.StatusServiceUnavailable, err.Error())
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
