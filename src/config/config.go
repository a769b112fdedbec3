// Package config holds the hub configuration: server, database, cache,
// logging, and the scheduler policy knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apimgr/buildhub/src/cache"
	"github.com/apimgr/buildhub/src/database"
)

// Version info (set at build time)
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

// Config represents the complete hub configuration
type Config struct {
	mu         sync.RWMutex
	configPath string // path the config was loaded from, for Save

	Server    ServerConfig    `yaml:"server"`
	Database  database.Config `yaml:"database"`
	Cache     cache.Config    `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Title        string `yaml:"title"`         // server name in info responses
	Address      string `yaml:"address"`       // listen address
	Port         int    `yaml:"port"`          // listen port
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	IdleTimeout  int    `yaml:"idle_timeout"`  // seconds
}

// SchedulerConfig holds the scheduling policy knobs. All durations are
// seconds in the config file.
type SchedulerConfig struct {
	MaxJobs            int     `yaml:"maxjobs"`              // per-host per-tick assignment cap
	CapacityOvercommit float64 `yaml:"capacity_overcommit"`  // additive headroom over capacity
	ReadyTimeout       int     `yaml:"ready_timeout"`        // ready-flag grace period
	AssignTimeout      int     `yaml:"assign_timeout"`       // assigned->open window
	SoftRefusalTimeout int     `yaml:"soft_refusal_timeout"` // soft refusal lifetime
	HostTimeout        int     `yaml:"host_timeout"`         // heartbeat gap before eviction
	RunInterval        int     `yaml:"run_interval"`         // minimum seconds between ticks
	LockTTL            int     `yaml:"lock_ttl"`             // advisory lock expiry

	// MethodWeights maps task method names to default weights for tasks
	// created without an explicit weight. Unlisted methods weigh 1.0.
	MethodWeights map[string]float64 `yaml:"method_weights"`
}

// LoggingConfig holds file logging settings
type LoggingConfig struct {
	Dir     string `yaml:"dir"`      // log directory
	MaxSize int64  `yaml:"max_size"` // rotate threshold in bytes
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Title:        "BuildHub",
			Address:      "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
		},
		Database:  *database.DefaultConfig(),
		Cache:     *cache.DefaultConfig(),
		Scheduler: DefaultScheduler(),
		Logging: LoggingConfig{
			Dir:     "/data/logs/buildhub",
			MaxSize: 50 * 1024 * 1024,
		},
	}
}

// DefaultScheduler returns the default scheduler policy
func DefaultScheduler() SchedulerConfig {
	return SchedulerConfig{
		MaxJobs:            15,
		CapacityOvercommit: 5,
		ReadyTimeout:       180,
		AssignTimeout:      300,
		SoftRefusalTimeout: 900,
		HostTimeout:        900,
		RunInterval:        60,
		LockTTL:            300,
		MethodWeights: map[string]float64{
			"build":            0.2,
			"buildArch":        2.0,
			"buildSRPMFromSCM": 1.0,
			"buildNotification": 0.1,
			"createrepo":       1.5,
			"newRepo":          1.5,
			"image":            4.0,
			"tagBuild":         0.1,
			"waitrepo":         0.1,
		},
	}
}

// Load reads configuration from a YAML file, filling unset sections with
// defaults. A missing file yields the defaults with configPath recorded
// so a later Save creates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration back to its file
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return os.WriteFile(c.configPath, data, 0644)
}

// Validate checks the configuration for fatal errors. Scheduler policy
// errors are fatal at startup only.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	s := &c.Scheduler
	if s.MaxJobs < 1 {
		return fmt.Errorf("scheduler maxjobs must be positive, got %d", s.MaxJobs)
	}
	if s.CapacityOvercommit < 0 {
		return fmt.Errorf("scheduler capacity_overcommit cannot be negative")
	}
	for name, v := range map[string]int{
		"ready_timeout":        s.ReadyTimeout,
		"assign_timeout":       s.AssignTimeout,
		"soft_refusal_timeout": s.SoftRefusalTimeout,
		"host_timeout":         s.HostTimeout,
		"run_interval":         s.RunInterval,
		"lock_ttl":             s.LockTTL,
	} {
		if v <= 0 {
			return fmt.Errorf("scheduler %s must be positive, got %d", name, v)
		}
	}
	for method, w := range s.MethodWeights {
		if w <= 0 {
			return fmt.Errorf("scheduler method weight for %q must be positive", method)
		}
	}
	return nil
}

// Duration accessors keep the second-based config file while callers work
// in time.Duration.

func (s SchedulerConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(s.ReadyTimeout) * time.Second
}

func (s SchedulerConfig) AssignTimeoutDuration() time.Duration {
	return time.Duration(s.AssignTimeout) * time.Second
}

func (s SchedulerConfig) SoftRefusalTimeoutDuration() time.Duration {
	return time.Duration(s.SoftRefusalTimeout) * time.Second
}

func (s SchedulerConfig) HostTimeoutDuration() time.Duration {
	return time.Duration(s.HostTimeout) * time.Second
}

func (s SchedulerConfig) RunIntervalDuration() time.Duration {
	return time.Duration(s.RunInterval) * time.Second
}

func (s SchedulerConfig) LockTTLDuration() time.Duration {
	return time.Duration(s.LockTTL) * time.Second
}

// MethodWeight returns the default weight for a task method
func (s SchedulerConfig) MethodWeight(method string) float64 {
	if w, ok := s.MethodWeights[method]; ok {
		return w
	}
	return 1.0
}
