// Package api exposes the HTTP control surface of the crawler: pass
// lifecycle, entity lookup and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/ingest"
	"github.com/campusarchive/crawler/internal/metrics"
	"github.com/campusarchive/crawler/internal/portal"
	"github.com/campusarchive/crawler/internal/store"
)

const (
	requestTimeout     = 60 * time.Second
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

// Server wires HTTP handlers to the pass coordinator and the store.
type Server struct {
	router      chi.Router
	coordinator *ingest.Coordinator
	store       store.Store
	defaults    ingest.Config
	logger      *zap.Logger

	// baseCtx outlives individual requests so a launched pass is not
	// canceled when the launching request returns.
	baseCtx context.Context

	mu     sync.Mutex
	passes map[string]*ingest.PassHandle
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ctx context.Context, coordinator *ingest.Coordinator, st store.Store, defaults ingest.Config, logger *zap.Logger) *Server {
	s := &Server{
		coordinator: coordinator,
		store:       st,
		defaults:    defaults,
		logger:      logger,
		baseCtx:     ctx,
		passes:      make(map[string]*ingest.PassHandle),
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/passes", func(r chi.Router) {
			r.Post("/", s.startPass)
			r.Post("/resume", s.resumePass)
			r.Route("/{pass_id}", func(r chi.Router) {
				r.Get("/status", s.passStatus)
				r.Post("/stop", s.stopPass)
			})
		})
		r.Route("/entities", func(r chi.Router) {
			r.Get("/", s.searchEntities)
			r.Get("/{entity_id}", s.getEntity)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// Ready means the store answers; a probe lookup exercises the pool.
	if _, _, err := s.store.FindID(r.Context(), portal.KindDepartment, "readyz-probe"); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type passRequest struct {
	PassID          string `json:"pass_id"`
	FirstYear       *int   `json:"first_year"`
	LastYear        *int   `json:"last_year"`
	Workers         *int   `json:"workers"`
	CommitBatchSize *int   `json:"commit_batch_size"`
	FailurePasses   *int   `json:"failure_passes"`
}

func (s *Server) passConfig(req passRequest) ingest.Config {
	cfg := s.defaults
	cfg.FirstYear = valueOrDefault(req.FirstYear, cfg.FirstYear)
	cfg.LastYear = valueOrDefault(req.LastYear, cfg.LastYear)
	cfg.Workers = valueOrDefault(req.Workers, cfg.Workers)
	cfg.CommitBatchSize = valueOrDefault(req.CommitBatchSize, cfg.CommitBatchSize)
	cfg.FailurePasses = valueOrDefault(req.FailurePasses, cfg.FailurePasses)
	return cfg
}

func (s *Server) startPass(w http.ResponseWriter, r *http.Request) {
	var req passRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !s.reserveLaunch(w) {
		return
	}
	handle, err := s.coordinator.Start(s.baseCtx, s.passConfig(req))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.trackPass(handle)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"pass_id": handle.ID()})
}

func (s *Server) resumePass(w http.ResponseWriter, r *http.Request) {
	var req passRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PassID == "" {
		s.writeError(w, http.StatusBadRequest, "pass_id is required")
		return
	}
	if !s.reserveLaunch(w) {
		return
	}
	handle, err := s.coordinator.Resume(s.baseCtx, s.passConfig(req), req.PassID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.trackPass(handle)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"pass_id": handle.ID()})
}

func (s *Server) passStatus(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.lookupPass(chi.URLParam(r, "pass_id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "pass not found")
		return
	}
	s.writeJSON(w, http.StatusOK, handle.Status())
}

func (s *Server) stopPass(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.lookupPass(chi.URLParam(r, "pass_id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "pass not found")
		return
	}
	handle.Stop()
	<-handle.Done()
	s.writeJSON(w, http.StatusOK, handle.Status())
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "entity_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid entity id")
		return
	}
	entity, found, err := s.store.GetEntity(r.Context(), portal.SurrogateID(id))
	if err != nil {
		s.logger.Error("entity lookup failed", zap.Int64("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load entity")
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entity": entity})
}

func (s *Server) searchEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("kind")
	query := q.Get("q")
	if kind == "" || query == "" {
		s.writeError(w, http.StatusBadRequest, "kind and q are required")
		return
	}
	limit := defaultSearchLimit
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if val > maxSearchLimit {
			val = maxSearchLimit
		}
		limit = val
	}
	hits, err := s.store.SearchByName(r.Context(), portal.EntityKind(kind), query, limit)
	if err != nil {
		s.logger.Error("entity search failed", zap.String("kind", kind), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if hits == nil {
		hits = []portal.ReconciledEntity{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entities": hits})
}

// reserveLaunch rejects a launch while another pass is still running.
// The coordinator drives one pass at a time.
func (s *Server) reserveLaunch(w http.ResponseWriter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, handle := range s.passes {
		select {
		case <-handle.Done():
		default:
			s.writeError(w, http.StatusConflict, "pass "+id+" is still running")
			return false
		}
	}
	return true
}

func (s *Server) trackPass(handle *ingest.PassHandle) {
	s.mu.Lock()
	s.passes[handle.ID()] = handle
	s.mu.Unlock()
}

func (s *Server) lookupPass(id string) (*ingest.PassHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.passes[id]
	return handle, ok
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func valueOrDefault(ptr *int, def int) int {
	if ptr == nil {
		return def
	}
	return *ptr
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
