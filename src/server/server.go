// Package server is the hub's HTTP shell: it owns the listener, the
// middleware chain, and the top-level routes.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/apimgr/buildhub/src/api"
	"github.com/apimgr/buildhub/src/cache"
	"github.com/apimgr/buildhub/src/config"
	"github.com/apimgr/buildhub/src/database"
	"github.com/apimgr/buildhub/src/logging"
	"github.com/apimgr/buildhub/src/scheduler"
	sig "github.com/apimgr/buildhub/src/signal"
)

// Server wires the API handler, scheduler, and middleware behind one
// http.Server.
type Server struct {
	config     *config.Config
	db         *database.DB
	cache      cache.Cache
	sched      *scheduler.Scheduler
	apiHandler *api.Handler
	logManager *logging.Manager
	middleware *Middleware
	httpServer *http.Server
	pidFile    string
	startTime  time.Time
}

// New creates a new server instance
func New(cfg *config.Config, db *database.DB, c cache.Cache, sched *scheduler.Scheduler, logMgr *logging.Manager) *Server {
	s := &Server{
		config:     cfg,
		db:         db,
		cache:      c,
		sched:      sched,
		apiHandler: api.NewHandler(cfg, db, sched, c),
		logManager: logMgr,
	}
	s.middleware = NewMiddleware(cfg, logMgr)
	return s
}

// PIDFile returns the path of the PID file once created
func (s *Server) PIDFile() string {
	return s.pidFile
}

// HTTPServer returns the underlying http.Server for shutdown wiring
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Start creates the PID file, starts the scheduler loop, and serves
// until the listener closes.
func (s *Server) Start() error {
	if err := s.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	s.sched.Start()
	s.startTime = time.Now()

	handler := s.setupRoutes()
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(s.config.Server.IdleTimeout) * time.Second,
	}

	log.Printf("[Server] BuildHub v%s", config.Version)
	log.Printf("[Server] Listening on %s", addr)
	s.logManager.Server().Info("server started", map[string]interface{}{
		"addr": addr,
		"node": s.sched.NodeID(),
	})

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the scheduler and drains the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logManager.Server().Info("server shutting down")

	s.sched.Stop()

	if s.pidFile != "" {
		os.Remove(s.pidFile)
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
	}
	log.Println("[Server] Stopped gracefully")
	return nil
}

func (s *Server) createPIDFile() error {
	dir := filepath.Dir(s.config.Logging.Dir)
	s.pidFile = filepath.Join(dir, "buildhub.pid")

	if _, err := os.Stat(s.pidFile); err == nil {
		data, _ := os.ReadFile(s.pidFile)
		return fmt.Errorf("server already running (PID: %s)", string(data))
	}
	os.MkdirAll(dir, 0755)
	return os.WriteFile(s.pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

// setupRoutes builds the route table behind the middleware chain
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metricz", s.handleMetricz)

	s.apiHandler.RegisterRoutes(mux)

	return Chain(mux,
		s.middleware.Recovery,
		s.middleware.RequestID,
		s.middleware.Logger,
	)
}

// handleHealthz is the load-balancer probe; during shutdown it turns 503
// so traffic drains before the listener closes.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if sig.IsShuttingDown() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "shutting down")
		return
	}
	if err := s.db.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "database: %v\n", err)
		return
	}
	fmt.Fprintln(w, "OK")
}

// handleMetricz exposes the scheduler counters and cache stats as JSON
func (s *Server) handleMetricz(w http.ResponseWriter, r *http.Request) {
	cacheStats, _ := s.cache.Stats(r.Context())

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprint(w, "{")
	first := true
	for name, v := range s.sched.Metrics().Snapshot() {
		if !first {
			fmt.Fprint(w, ",")
		}
		fmt.Fprintf(w, "%q:%d", "scheduler_"+name, v)
		first = false
	}
	if cacheStats != nil {
		fmt.Fprintf(w, ",%q:%d,%q:%d,%q:%d",
			"cache_hits", cacheStats.Hits,
			"cache_misses", cacheStats.Misses,
			"cache_keys", cacheStats.Keys)
	}
	fmt.Fprintf(w, ",%q:%.0f", "uptime_seconds", time.Since(s.startTime).Seconds())
	fmt.Fprintln(w, "}")
}
