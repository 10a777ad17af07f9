// Package status serves the progress of the startup sequence over HTTP,
// for container health checks and scraping.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/krystofrezac/stevedore/internal/bootstrap"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type health struct {
	Stage     string    `json:"stage"`
	Since     time.Time `json:"since"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"lastError,omitempty"`
}

type Server struct {
	logger  *slog.Logger
	tracker *bootstrap.Tracker
	metrics *Metrics
}

func NewServer(logger *slog.Logger, tracker *bootstrap.Tracker, metrics *Metrics) *Server {
	return &Server{logger: logger, tracker: tracker, metrics: metrics}
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

// handleHealth reports healthy only once the application is being served.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.tracker.Snapshot()

	code := http.StatusServiceUnavailable
	if snapshot.Stage == bootstrap.StageServing {
		code = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(health{
		Stage:     snapshot.Stage.String(),
		Since:     snapshot.Since,
		Attempt:   snapshot.Attempt,
		LastError: snapshot.LastError,
	})
	if err != nil {
		s.logger.Debug("Failed to write health response", "err", err)
	}
}

// ListenAndServe serves on address until ctx is cancelled. The listener is
// bound before returning so a taken address is reported immediately.
func (s *Server) ListenAndServe(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	go func() {
		s.logger.Info("Status listener started", "address", listener.Addr().String())
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()

	return done, nil
}
