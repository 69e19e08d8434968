// Package server exposes the pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"price-spooler/feed"
)

// Pipeline is the part of feed.Runner the HTTP surface uses.
type Pipeline interface {
	Run(ctx context.Context, req feed.RunRequest) (*feed.RunReport, error)
	History(ctx context.Context, supplier string, limit int) ([]feed.RunRecord, error)
	Latest(ctx context.Context, namespace string) (*feed.LatestArtifact, error)
}

type Server struct {
	pipeline Pipeline
	log      zerolog.Logger
	router   *chi.Mux
	server   *http.Server
}

func New(p Pipeline, log zerolog.Logger) *Server {
	s := &Server{pipeline: p, log: log, router: chi.NewRouter()}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/prices/latest", s.handleLatest)
	s.router.Route("/admin", func(r chi.Router) {
		r.Post("/import", s.handleImport)
		r.Get("/runs", s.handleRuns)
	})
	return s
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("http server listening")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type importResponse struct {
	Supplier string               `json:"supplier"`
	RunID    string               `json:"run_id"`
	State    feed.RunState        `json:"state"`
	Rows     int                  `json:"rows"`
	Results  []feed.ProfileResult `json:"results"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req feed.RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Supplier) == "" {
		writeError(w, http.StatusBadRequest, "supplier is required")
		return
	}

	report, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, feed.ErrUnknownSupplier):
			status = http.StatusNotFound
		case errors.Is(err, feed.ErrNoProfiles):
			status = http.StatusBadRequest
		}
		s.log.Error().Err(err).Str("supplier", req.Supplier).Msg("import failed")
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, importResponse{
		Supplier: report.Supplier,
		RunID:    report.RunID,
		State:    report.State,
		Rows:     report.Rows,
		Results:  report.Results,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.pipeline.History(r.Context(), r.URL.Query().Get("supplier"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []feed.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	ns := strings.TrimSpace(r.URL.Query().Get("namespace"))
	if ns == "" {
		writeError(w, http.StatusBadRequest, "namespace is required")
		return
	}
	latest, err := s.pipeline.Latest(r.Context(), ns)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if latest == nil {
		writeError(w, http.StatusNotFound, "no artifact under "+ns)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
