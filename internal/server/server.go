package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"risk-sentinel/internal/logger"
	"risk-sentinel/internal/risk"
)

// Engine is the surface of the risk driver the HTTP layer depends on.
type Engine interface {
	Tick(ctx context.Context) (risk.TickResult, error)
	State(ctx context.Context) (risk.StateView, error)
	ApplyConfigPatch(ctx context.Context, patch map[string]any) ([]string, error)
	Kill(ctx context.Context) (risk.Summary, error)
	Unlock(ctx context.Context) error
	Reset(ctx context.Context) error
}

var _ Engine = (*risk.Driver)(nil)

// Server exposes the reconciliation and admin surface over HTTP.
type Server struct {
	engine      Engine
	adminSecret []byte
}

func New(engine Engine, adminSecret []byte) *Server {
	return &Server{engine: engine, adminSecret: adminSecret}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Route("/v1", func(r chi.Router) {
		r.Post("/tick", s.handleTick)
		r.Get("/state", s.handleState)
		r.Group(func(r chi.Router) {
			r.Use(WithAdminAuth(s.adminSecret))
			r.Post("/admin/config", s.handleConfig)
			r.Post("/admin/kill", s.handleKill)
			r.Post("/admin/unlock", s.handleUnlock)
			r.Post("/admin/reset", s.handleReset)
		})
	})
	return r
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Tick(r.Context())
	if err != nil {
		logger.ErrorWithErr(r.Context(), "Tick request failed", err)
		writeJSON(w, http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	// TickResult carries its own ok field; it is the envelope.
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.State(r.Context())
	if err != nil {
		logger.ErrorWithErr(r.Context(), "State request failed", err)
		writeJSON(w, http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okEnvelope("state", view))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errEnvelope("invalid json body"))
		return
	}
	applied, err := s.engine.ApplyConfigPatch(r.Context(), patch)
	if err != nil {
		logger.ErrorWithErr(r.Context(), "Config patch failed", err)
		writeJSON(w, http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	if applied == nil {
		applied = []string{}
	}
	writeJSON(w, http.StatusOK, okEnvelope("applied", applied))
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Kill(r.Context())
	if err != nil {
		logger.ErrorWithErr(r.Context(), "Manual kill failed", err)
		writeJSON(w, http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okEnvelope("summary", summary))
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unlock(r.Context()); err != nil {
		logger.ErrorWithErr(r.Context(), "Unlock failed", err)
		writeJSON(w, http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okEnvelope("", nil))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context()); err != nil {
		logger.ErrorWithErr(r.Context(), "Reset failed", err)
		writeJSON(w, http.StatusInternalServerError, errEnvelope(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okEnvelope("", nil))
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error(r.Context(), "Handler panicked", "panic", rec, "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, errEnvelope("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func okEnvelope(key string, v any) map[string]any {
	body := map[string]any{"ok": true}
	if key != "" {
		body[key] = v
	}
	return body
}

func errEnvelope(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
