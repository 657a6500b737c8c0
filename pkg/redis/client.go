// Package redis provides the optional Redis backend for caches that benefit
// from surviving restarts.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Key prefixes.
const (
	PrefixSignature         = "relay:signature:"
	PrefixThinkingSignature = "relay:thinking-signature:"
)

// Client wraps a go-redis client with the relay's key conventions.
type Client struct {
	rdb *goredis.Client
}

// Connect creates a client and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetSignature stores a tool-use signature with a TTL.
func (c *Client) SetSignature(ctx context.Context, toolUseID, signature string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixSignature+toolUseID, signature, ttl).Err()
}

// GetSignature retrieves a tool-use signature. A missing key yields "".
func (c *Client) GetSignature(ctx context.Context, toolUseID string) (string, error) {
	value, err := c.rdb.Get(ctx, PrefixSignature+toolUseID).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetThinkingSignature stores the model family for a thinking signature.
func (c *Client) SetThinkingSignature(ctx context.Context, signature, modelFamily string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixThinkingSignature+signature, modelFamily, ttl).Err()
}

// GetThinkingSignature retrieves the model family for a thinking signature.
func (c *Client) GetThinkingSignature(ctx context.Context, signature string) (string, error) {
	value, err := c.rdb.Get(ctx, PrefixThinkingSignature+signature).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
