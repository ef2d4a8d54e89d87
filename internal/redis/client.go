// Package redis owns the go-redis client plus the typed key-value helpers
// built on top of it. Other packages depend on these wrappers rather than
// importing go-redis themselves.
package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// Cmdable aliases redis.Cmdable for adapters that need raw command access
// without a direct go-redis import.
type Cmdable = redis.Cmdable

// Config holds the connection parameters for one Redis instance.
type Config struct {
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// PoolSize caps the connection pool; zero keeps the driver default.
	PoolSize int
}

// Client wraps a pooled go-redis client. RDB is the handle adapters use.
type Client struct {
	RDB *redis.Client
}

// NewClient connects to the instance described by cfg. Connectivity is
// verified lazily on first use.
func NewClient(cfg Config) *Client {
	return &Client{RDB: redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.RDB.Close()
}
