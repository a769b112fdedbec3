//go:build windows
// +build windows

package signal

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

// setupSignals configures graceful shutdown (Windows). SIGUSR1/SIGUSR2
// do not exist here, so rotation and status dumps are API-only.
func setupSignals(cfg ShutdownConfig) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received %v, starting graceful shutdown...", sig)
		gracefulShutdown(cfg)
	}()
}
