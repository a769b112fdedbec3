//go:build !windows
// +build !windows

package signal

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

// setupSignals configures graceful shutdown (Unix)
func setupSignals(cfg ShutdownConfig) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGUSR1, // rotate logs
		syscall.SIGUSR2, // dump status
	)

	// Config reloads happen via the API, not SIGHUP
	signal.Ignore(syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGUSR1:
				log.Println("Received SIGUSR1, rotating logs...")
				if cfg.OnRotateLogs != nil {
					cfg.OnRotateLogs()
				}

			case syscall.SIGUSR2:
				log.Println("Received SIGUSR2, dumping status...")
				if cfg.OnDumpStatus != nil {
					cfg.OnDumpStatus()
				}

			default:
				log.Printf("Received %v, starting graceful shutdown...", sig)
				gracefulShutdown(cfg)
			}
		}
	}()
}
