// BuildHub is the hub scheduler daemon: it owns the task-to-host
// assignment loop and serves the host and operator APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/apimgr/buildhub/src/cache"
	"github.com/apimgr/buildhub/src/config"
	"github.com/apimgr/buildhub/src/database"
	"github.com/apimgr/buildhub/src/logging"
	"github.com/apimgr/buildhub/src/scheduler"
	"github.com/apimgr/buildhub/src/server"
	sigsvc "github.com/apimgr/buildhub/src/signal"
)

var (
	flagVersion bool
	flagConfig  string
	flagAddress string
	flagPort    int
	flagLog     string
	flagLevel   string
	flagMigrate bool
	flagTick    bool
)

func init() {
	flag.BoolVar(&flagVersion, "version", false, "Show version information")
	flag.BoolVar(&flagVersion, "v", false, "Show version information (shorthand)")
	flag.StringVar(&flagConfig, "config", "/etc/buildhub/config.yaml", "Config file path")
	flag.StringVar(&flagAddress, "address", "", "Override listen address")
	flag.IntVar(&flagPort, "port", 0, "Override listen port")
	flag.StringVar(&flagLog, "log", "", "Override log directory")
	flag.StringVar(&flagLevel, "log-level", "", "Server log level (debug|info|warn|error)")
	flag.BoolVar(&flagMigrate, "migrate", false, "Apply database migrations and exit")
	flag.BoolVar(&flagTick, "tick", false, "Run one scheduling pass and exit")
}

func main() {
	flag.Parse()

	if flagVersion {
		fmt.Printf("buildhub %s", config.Version)
		if config.GitCommit != "" {
			fmt.Printf(" (%s)", config.GitCommit)
		}
		fmt.Println()
		os.Exit(0)
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		log.Fatalf("[Config] %v", err)
	}
	applyOverrides(cfg)

	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatalf("[Database] Failed to open: %v", err)
	}

	migrator := database.NewMigrator(db)
	if err := migrator.Migrate(context.Background()); err != nil {
		log.Fatalf("[Database] Migration failed: %v", err)
	}
	if flagMigrate {
		log.Println("[Database] Migrations applied")
		db.Close()
		return
	}

	sched := scheduler.New(db, cfg.Scheduler)

	if flagTick {
		ran, err := sched.RunOnce(context.Background(), true)
		if err != nil {
			log.Fatalf("[Scheduler] Tick failed: %v", err)
		}
		if !ran {
			log.Println("[Scheduler] Tick skipped: lock held elsewhere")
		}
		db.Close()
		return
	}

	c, err := cache.New(&cfg.Cache)
	if err != nil {
		log.Fatalf("[Cache] %v", err)
	}

	logMgr := logging.NewManager(cfg.Logging.Dir, cfg.Logging.MaxSize)
	if flagLevel != "" {
		logMgr.Server().SetLevel(logging.ParseLogLevel(flagLevel))
	}

	srv := server.New(cfg, db, c, sched, logMgr)

	sigsvc.Setup(sigsvc.ShutdownConfig{
		ShutdownFunc:    srv.Shutdown,
		InFlightTimeout: 30 * time.Second,
		OnStopScheduler: sched.Stop,
		OnCloseDatabase: func() {
			if err := db.Close(); err != nil {
				log.Printf("[Database] Close error: %v", err)
			}
			c.Close()
		},
		OnFlushLogs:  func() { logMgr.Close() },
		OnRotateLogs: func() { logMgr.RotateAll() },
		OnDumpStatus: func() {
			for name, v := range sched.Metrics().Snapshot() {
				log.Printf("[Status] %s=%d", name, v)
			}
		},
	})

	if err := srv.Start(); err != nil {
		log.Fatalf("[Server] %v", err)
	}
}

// applyOverrides layers CLI flags over the loaded config
func applyOverrides(cfg *config.Config) {
	if flagAddress != "" {
		cfg.Server.Address = flagAddress
	}
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}
	if flagLog != "" {
		cfg.Logging.Dir = flagLog
	}
}
