// Package api serves read-only access to indexed events over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"educhain-indexer/internal/models"
	"educhain-indexer/internal/store"
)

const (
	serviceName     = "educhain-indexer"
	healthTimeout   = 2 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server exposes /events, /health, / and /metrics
type Server struct {
	reader  store.EventReader
	env     string
	logger  *logrus.Logger
	mux     *http.ServeMux
	metrics *httpMetrics
}

// NewServer builds the HTTP handlers. Metrics are registered with reg and /metrics
// serves gatherer; either may be nil to skip them.
func NewServer(reader store.EventReader, env string, reg prometheus.Registerer, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	s := &Server{
		reader:  reader,
		env:     env,
		logger:  logger,
		mux:     http.NewServeMux(),
		metrics: newHTTPMetrics(reg),
	}
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /events", s.handleListEvents)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the instrumented root handler
func (s *Server) Handler() http.Handler {
	return s.cors(s.instrument(s.mux))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Query API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

type eventsResponse struct {
	Data       []models.Event `json:"data"`
	NextCursor *string        `json:"nextCursor"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	events, err := s.reader.ListEvents(r.Context(), q)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list events")
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event store unavailable"})
		return
	}

	resp := eventsResponse{Data: events}
	if resp.Data == nil {
		resp.Data = []models.Event{}
	}
	if n := len(events); n > 0 {
		next := strconv.FormatInt(events[n-1].ID, 10)
		resp.NextCursor = &next
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// parseEventQuery validates limit (1..500, default 50), cursor (positive store id) and
// the optional equality filters
func parseEventQuery(r *http.Request) (store.EventQuery, error) {
	values := r.URL.Query()
	q := store.EventQuery{
		Limit:     store.DefaultListLimit,
		EventType: values.Get("eventType"),
		Sender:    values.Get("sender"),
		PackageID: values.Get("packageId"),
		Module:    values.Get("module"),
	}

	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > store.MaxListLimit {
			return q, errors.New("limit must be an integer between 1 and 500")
		}
		q.Limit = n
	}
	if v := values.Get("cursor"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 1 {
			return q, errors.New("cursor must be a nextCursor value from a previous response")
		}
		q.BeforeID = &id
	}
	return q, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	db := true
	if err := s.reader.Ping(ctx); err != nil {
		s.logger.WithError(err).Warn("Health check: store ping failed")
		db = false
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "db": db})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"name": serviceName, "env": s.env})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugf("Failed to write response: %v", err)
	}
}
