// Package api exposes the run engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/engine"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Engine is the subset of *engine.Engine the handlers use.
type Engine interface {
	CreateRun(ctx context.Context, req model.CreateRunRequest) (*model.Run, bool, error)
	GetRun(ctx context.Context, runID string) (*model.RunDetail, error)
	Summary(ctx context.Context, runID string) (*model.RunSummary, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListModels() map[string][]string
	SetAPIKey(ctx context.Context, provider, key string) error
	ListAPIKeyProviders(ctx context.Context) ([]engine.KeyInfo, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers.
type Server struct {
	engine      Engine
	health      Pinger
	corsOrigins []string
}

// NewServer creates the HTTP handlers. health may be nil.
func NewServer(e Engine, health Pinger, corsOrigins []string) *Server {
	return &Server{engine: e, health: health, corsOrigins: corsOrigins}
}

// Routes returns the router serving every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleCreateRun)
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
			r.Get("/{id}/summary", s.handleSummary)
		})
		r.Get("/models", s.handleListModels)
		r.Put("/settings/keys", s.handleSetKey)
		r.Get("/settings/keys", s.handleListKeys)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

type errorBody struct {
	Error string     `json:"error"`
	Run   *model.Run `json:"run,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
