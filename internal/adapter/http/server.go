package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
	"github.com/couchcryptid/quake-data-etl/internal/pipeline"
)

// EventQuerier answers read queries over the reconciled store.
type EventQuerier interface {
	Query(ctx context.Context, f domain.Filter) ([]domain.EventRecord, error)
	Get(ctx context.Context, id string) (domain.EventRecord, bool, error)
}

// Ingestion exposes the poller's health and manual trigger.
type Ingestion interface {
	Status() pipeline.Status
	Trigger()
}

// Server exposes the event API plus health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	events     EventQuerier
	ingestion  Ingestion
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and the
// /api/v1 routes.
func NewServer(addr string, ready sharedobs.ReadinessChecker, events EventQuerier, ingestion Ingestion, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		events:    events,
		ingestion: ingestion,
		logger:    logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/events/{id}", s.handleEvent)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/poll", s.handlePoll)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

type eventsResponse struct {
	Events    []domain.EventRecord `json:"events"`
	Count     int                  `json:"count"`
	Ingestion pipeline.Status      `json:"ingestion"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	params, err := parseEventsParams(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	records, err := s.events.Query(r.Context(), params.filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if params.format == formatGeoJSON {
		w.Header().Set("Content-Type", "application/geo+json")
		writeJSON(w, http.StatusOK, newFeatureCollection(records))
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Events:    records,
		Count:     len(records),
		Ingestion: s.ingestion.Status(),
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, found, err := s.events.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event " + id + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ingestion.Status())
}

func (s *Server) handlePoll(w http.ResponseWriter, _ *http.Request) {
	s.ingestion.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "poll requested"})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidQuery):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}
