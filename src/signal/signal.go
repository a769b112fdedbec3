// Package signal provides cross-platform signal handling for graceful
// shutdown. Platform specifics live behind build tags.
package signal

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// ShutdownConfig holds the shutdown sequence hooks
type ShutdownConfig struct {
	// Server is the HTTP server to drain. ShutdownFunc takes precedence
	// when both are set.
	Server *http.Server
	// ShutdownFunc drains the server; used when the http.Server is not
	// constructed until after signal setup.
	ShutdownFunc func(ctx context.Context) error
	// PIDFile is removed at the end of shutdown
	PIDFile string
	// InFlightTimeout bounds the HTTP drain. Default 30s.
	InFlightTimeout time.Duration

	// OnStopScheduler stops the scheduling loop before the server drains,
	// so a tick never runs against a closing database.
	OnStopScheduler func()
	OnCloseDatabase func()
	OnFlushLogs     func()
	// OnRotateLogs handles SIGUSR1 (Unix only)
	OnRotateLogs func()
	// OnDumpStatus handles SIGUSR2 (Unix only)
	OnDumpStatus func()
}

var (
	shuttingDown bool
	shutdownMu   sync.RWMutex
)

// IsShuttingDown returns true once graceful shutdown has begun; health
// checks use it to start returning 503.
func IsShuttingDown() bool {
	shutdownMu.RLock()
	defer shutdownMu.RUnlock()
	return shuttingDown
}

func setShuttingDown() {
	shutdownMu.Lock()
	shuttingDown = true
	shutdownMu.Unlock()
}

// Setup installs the platform signal handlers
func Setup(cfg ShutdownConfig) {
	if cfg.InFlightTimeout == 0 {
		cfg.InFlightTimeout = 30 * time.Second
	}
	setupSignals(cfg)
}

// gracefulShutdown runs the orderly shutdown sequence
func gracefulShutdown(cfg ShutdownConfig) {
	setShuttingDown()

	if cfg.OnStopScheduler != nil {
		log.Println("Stopping scheduler...")
		cfg.OnStopScheduler()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer cancel()
	if cfg.ShutdownFunc != nil {
		log.Printf("Waiting up to %v for in-flight requests...", cfg.InFlightTimeout)
		if err := cfg.ShutdownFunc(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	} else if cfg.Server != nil {
		log.Printf("Waiting up to %v for in-flight requests...", cfg.InFlightTimeout)
		if err := cfg.Server.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}

	if cfg.OnCloseDatabase != nil {
		cfg.OnCloseDatabase()
	}
	if cfg.OnFlushLogs != nil {
		cfg.OnFlushLogs()
	}
	if cfg.PIDFile != "" {
		os.Remove(cfg.PIDFile)
	}

	log.Println("Shutdown complete")
	os.Exit(0)
}
