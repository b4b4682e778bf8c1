package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/kbgateway/gateway/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps the shared KV store connection used by admission, spend and
// cache components. Every atomic script in atomicx executes against the
// *redis.Client returned by Raw.
type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

// Raw returns the underlying go-redis client for components that need the
// full command surface (scripts, sorted sets, pipelines).
func (r *Client) Raw() *redis.Client {
	return r.c
}

func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

func (r *Client) Close() error {
	return r.c.Close()
}
