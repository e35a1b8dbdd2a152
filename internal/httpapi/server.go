package httpapi

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/ai-video-pipeline/internal/artifact"
	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/internal/presets"
	"github.com/MimeLyc/ai-video-pipeline/internal/worker"
)

// HealthCheck reports one dependency's state; nil means healthy.
type HealthCheck func(ctx context.Context) error

type Server struct {
	queue     *jobs.Queue
	registry  *jobs.Registry
	artifacts *artifact.Store
	catalog   *presets.Catalog

	checks         map[string]HealthCheck
	poolStats      func() worker.Stats
	nextCleanup    func() time.Time
	streamInterval time.Duration

	uiEnabled   bool
	uiStaticDir string

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithUI(staticDir string, enabled bool) Option {
	return func(s *Server) {
		s.uiStaticDir = staticDir
		s.uiEnabled = enabled
	}
}

func WithPresets(catalog *presets.Catalog) Option {
	return func(s *Server) {
		if catalog != nil {
			s.catalog = catalog
		}
	}
}

// WithHealthCheck adds a named check to /api/health. A failing check turns
// the response into 503.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

func WithPoolStats(stats func() worker.Stats) Option {
	return func(s *Server) {
		s.poolStats = stats
	}
}

func WithNextCleanup(next func() time.Time) Option {
	return func(s *Server) {
		s.nextCleanup = next
	}
}

func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(queue *jobs.Queue, artifacts *artifact.Store, opts ...Option) *Server {
	s := &Server{
		queue:          queue,
		registry:       queue.Registry(),
		artifacts:      artifacts,
		catalog:        presets.Default(),
		checks:         make(map[string]HealthCheck),
		streamInterval: time.Second,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/stream", s.handleJobStream)
	s.mux.HandleFunc("/api/jobs/", s.handleJobRoutes)
	s.mux.HandleFunc("/api/presets", s.handlePresets)
	s.mux.HandleFunc("/api/queue", s.handleQueue)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/", s.handleStatic)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if !s.uiEnabled || s.uiStaticDir == "" {
		http.NotFound(w, r)
		return
	}

	rel := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	indexPath := filepath.Join(s.uiStaticDir, "index.html")

	if rel == "" || !strings.Contains(filepath.Base(rel), ".") {
		http.ServeFile(w, r, indexPath)
		return
	}

	filePath := filepath.Join(s.uiStaticDir, rel)
	if _, err := os.Stat(filePath); err != nil {
		// SPA fallback: non-existing static file path returns index
		http.ServeFile(w, r, indexPath)
		return
	}
	http.ServeFile(w, r, filePath)
}
