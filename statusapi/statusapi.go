// Package statusapi exposes a read-only HTTP surface over the running
// scraper: session listings, selector telemetry, resource metrics and
// on-demand snapshot verification. It never mutates core state.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/domscout/monitor"
	"github.com/hazyhaar/domscout/selector"
	"github.com/hazyhaar/domscout/session"
	"github.com/hazyhaar/domscout/snapshot"
)

// Sessions is the session-manager surface the API reads.
type Sessions interface {
	List(filter session.State) []session.Info
	Get(id string) (*session.Session, error)
}

// StatsReporter provides selector telemetry. Satisfied by
// *selector.Stats.
type StatsReporter interface {
	Report() []selector.NameStats
}

// Verifier checks snapshot integrity. Satisfied by *snapshot.Manager.
type Verifier interface {
	Verify(ctx context.Context, manifestPath string) (snapshot.Report, error)
}

// MetricsSource provides the latest resource samples. Satisfied by
// *monitor.Monitor.
type MetricsSource interface {
	Latest() []monitor.Metrics
}

// Config wires the API to the running components. Nil fields disable
// the corresponding endpoints with 503.
type Config struct {
	Sessions  Sessions
	Stats     StatsReporter
	Snapshots Verifier
	Metrics   MetricsSource
	Logger    *slog.Logger
}

// API serves the status endpoints.
type API struct {
	cfg    Config
	logger *slog.Logger
}

// New creates the API.
func New(cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{cfg: cfg, logger: cfg.Logger}
}

// Router builds the chi router for the status endpoints.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", a.handleSessions)
		r.Get("/sessions/{id}", a.handleSession)
		r.Get("/selectors/stats", a.handleSelectorStats)
		r.Get("/metrics", a.handleMetrics)
		r.Post("/snapshots/verify", a.handleVerify)
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Sessions == nil {
		http.Error(w, "sessions unavailable", http.StatusServiceUnavailable)
		return
	}
	filter := session.State(r.URL.Query().Get("state"))
	writeJSON(w, http.StatusOK, a.cfg.Sessions.List(filter))
}

// sessionDetail is the per-session view, one entry per open context.
type sessionDetail struct {
	session.Info
	ContextList []contextDetail `json:"context_list"`
}

type contextDetail struct {
	ID    string `json:"id"`
	Scope string `json:"scope,omitempty"`
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Sessions == nil {
		http.Error(w, "sessions unavailable", http.StatusServiceUnavailable)
		return
	}
	s, err := a.cfg.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	detail := sessionDetail{Info: s.Info()}
	for _, tc := range s.Contexts() {
		detail.ContextList = append(detail.ContextList, contextDetail{
			ID:    tc.ContextID(),
			Scope: tc.Scope(),
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleSelectorStats(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Stats == nil {
		http.Error(w, "selector stats unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, a.cfg.Stats.Report())
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Metrics == nil {
		http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, a.cfg.Metrics.Latest())
}

// VerifyRequest is the body for POST /api/snapshots/verify.
type VerifyRequest struct {
	ManifestPath string `json:"manifest_path"`
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Snapshots == nil {
		http.Error(w, "snapshots unavailable", http.StatusServiceUnavailable)
		return
	}
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ManifestPath == "" {
		http.Error(w, "manifest_path required", http.StatusBadRequest)
		return
	}
	rep, err := a.cfg.Snapshots.Verify(r.Context(), req.ManifestPath)
	if err != nil {
		if errors.Is(err, snapshot.ErrManifestMissing) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
