package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the repositories.
const DefaultPrefix = "retrier"

// Client wraps the Redis connection shared by the repositories.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) seqKey() string {
	return fmt.Sprintf("%s:seq", c.prefix)
}

func (c *Client) pendingKey(id string) string {
	return fmt.Sprintf("%s:pending:%s", c.prefix, id)
}

func (c *Client) pendingIndexKey(operationID string) string {
	return fmt.Sprintf("%s:pending_ops:%s", c.prefix, operationID)
}

func (c *Client) batchKey(id string) string {
	return fmt.Sprintf("%s:batch:%s", c.prefix, id)
}

func (c *Client) batchIndexKey(operationID string) string {
	return fmt.Sprintf("%s:batches:%s", c.prefix, operationID)
}

// nextScore returns a monotonically increasing score used to keep insertion
// order in the sorted-set indexes.
func (c *Client) nextScore(ctx context.Context) (float64, error) {
	seq, err := c.rdb.Incr(ctx, c.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("incr failed: %w", err)
	}
	return float64(seq), nil
}
