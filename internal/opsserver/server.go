// Package opsserver is the optional HTTP sidecar for long-running archive
// jobs: health/readiness/liveness probes, a Prometheus scrape endpoint, and
// a progress endpoint reporting the active ArchiveWriter/ArchiveReader
// session's state. Route registration and the middleware chain are
// grounded on the teacher's internal/api.Handler.RegisterRoutes and
// internal/middleware (recovery, logging).
package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/bararchive/internal/metrics"
	"github.com/kenchrcum/bararchive/internal/middleware"
	"github.com/kenchrcum/bararchive/internal/obslog"
)

// Progress is a snapshot of the active session's state, served at
// GET /progress. Sessions update it via Server.SetProgress as they work.
type Progress struct {
	ArchiveName   string    `json:"archive_name"`
	PartNumber    int       `json:"part_number"`
	VolumeNumber  int       `json:"volume_number"`
	BytesWritten  int64     `json:"bytes_written"`
	EntriesDone   int64     `json:"entries_done"`
	CurrentEntry  string    `json:"current_entry,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// DependencyHealthCheck is checked by GET /readyz in addition to the
// server's own liveness.
type DependencyHealthCheck func(context.Context) error

// Server is the opsserver sidecar. Callers start it with ListenAndServe
// and feed it progress updates as an archive session runs.
type Server struct {
	addr    string
	session *obslog.SessionLogger
	metrics *metrics.Metrics
	router  *mux.Router

	healthCheck DependencyHealthCheck

	mu       sync.RWMutex
	progress Progress
}

// New builds a Server listening on addr, reporting on archiveName's
// session. healthCheck may be nil, in which case /readyz always reports
// ready. Request logging and panic recovery run under an
// obslog.SessionLogger of the sidecar's own, carrying archiveName and the
// job id "ops-sidecar", so a sidecar request and the write it reports
// progress for share the archive field in the log stream.
func New(addr string, m *metrics.Metrics, archiveName string, logger *logrus.Logger, healthCheck DependencyHealthCheck) *Server {
	s := &Server{
		addr:        addr,
		session:     obslog.NewSessionLogger(logger, archiveName, "ops-sidecar"),
		metrics:     m,
		healthCheck: healthCheck,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RecoveryMiddleware(s.session.Entry()))
	r.Use(middleware.LoggingMiddleware(s.session.Entry()))

	r.HandleFunc("/healthz", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/livez", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", metrics.ReadinessHandler(s.healthCheck)).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/progress", s.handleProgress).Methods(http.MethodGet)

	return r
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	p := s.progress
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}

// SetProgress replaces the snapshot served at /progress. Callers typically
// call this from a RotateHooks or per-entry callback.
func (s *Server) SetProgress(p Progress) {
	p.LastUpdatedAt = now()
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled
// or the server fails. It always shuts the server down cleanly on return.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// now is a var so tests can pin LastUpdatedAt to a deterministic value.
var now = time.Now
