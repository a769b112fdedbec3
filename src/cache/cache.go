// Package cache provides the read-view cache behind the query API, with
// in-memory and Redis backends.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired
var ErrNotFound = errors.New("cache: key not found")

// Cache is the interface for cache implementations
type Cache interface {
	// Get retrieves a value; ErrNotFound when absent
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value with TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a value
	Delete(ctx context.Context, key string) error
	// Clear removes all keys with the given prefix
	Clear(ctx context.Context, prefix string) error
	// Ping checks backend connectivity
	Ping(ctx context.Context) error
	// Stats returns cache statistics
	Stats(ctx context.Context) (*Stats, error)
	// Close releases backend resources
	Close() error
}

// Stats represents cache statistics
type Stats struct {
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Keys      int64  `json:"keys"`
	Connected bool   `json:"connected"`
	Backend   string `json:"backend"`
}

// Config holds cache configuration
type Config struct {
	Backend  string `yaml:"backend"`  // memory, redis
	Address  string `yaml:"address"`  // Redis address (host:port)
	Password string `yaml:"password"` // Redis password
	DB       int    `yaml:"db"`       // Redis database number
	TTL      int    `yaml:"ttl"`      // Default TTL in seconds
	MaxItems int    `yaml:"max_items"` // Max items for memory cache
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Backend:  "memory",
		Address:  "localhost:6379",
		TTL:      300,
		MaxItems: 10000,
	}
}

// New creates a cache from configuration
func New(cfg *Config) (Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ttl := time.Duration(cfg.TTL) * time.Second

	switch cfg.Backend {
	case "redis":
		return NewRedisCache(cfg)
	default:
		return NewMemoryCache(cfg.MaxItems, ttl), nil
	}
}

// GetJSON retrieves and unmarshals a JSON value
func GetJSON(ctx context.Context, c Cache, key string, v interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetJSON marshals and stores a JSON value
func SetJSON(ctx context.Context, c Cache, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}
