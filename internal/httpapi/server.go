// Package httpapi serves the ops surface: health, prometheus metrics, pool
// status, the evolution audit trail, and rate-limited manual cycle triggers.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/autobotq/autobot/internal/config"
	"github.com/autobotq/autobot/internal/evolver"
	"github.com/autobotq/autobot/internal/persistence"
)

// Server is the ops API server.
type Server struct {
	router  *mux.Router
	repo    persistence.Repository
	evolver *evolver.Evolver
	limiter *rate.Limiter
	addr    string
}

// NewServer wires the routes. The trigger endpoints share one limiter so a
// misfiring dashboard cannot stack evolution cycles.
func NewServer(repo persistence.Repository, ev *evolver.Evolver, cfg config.HTTP) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		repo:    repo,
		evolver: ev,
		limiter: rate.NewLimiter(rate.Limit(cfg.TriggerRPS), cfg.TriggerBurst),
		addr:    cfg.Addr,
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/pool", s.handlePool).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events/summary", s.handleEventSummary).Methods(http.MethodGet)
	s.router.HandleFunc("/api/evolve/daily", s.handleEvolveDaily).Methods(http.MethodPost)
	s.router.HandleFunc("/api/evolve/weekly", s.handleEvolveWeekly).Methods(http.MethodPost)
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until ctx is done, then drains with a short timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", s.addr).Msg("ops API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"healthy": true, "checked_at": time.Now().UTC()}
	code := http.StatusOK
	if err := s.repo.Ping(r.Context()); err != nil {
		status["healthy"] = false
		status["error"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	counts, err := s.repo.Templates.StatusCounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events, err := s.repo.Events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleEventSummary(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 90 {
			days = n
		}
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	counts, err := s.repo.Events.CountsByAction(r.Context(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since, "counts": counts})
}

func (s *Server) handleEvolveDaily(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "cycle trigger rate limited"})
		return
	}
	result, err := s.evolver.RunDaily(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvolveWeekly(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "cycle trigger rate limited"})
		return
	}
	result, err := s.evolver.RunWeekly(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("ops API request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
