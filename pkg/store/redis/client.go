package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/kodless/leek/pkg/config"

	"github.com/go-redis/redis/v8"
)

// Client wraps one broker connection. Each subscription owns its own client
// so brokers can be drained fully in parallel with no shared state.
type Client struct {
	client *redis.Client
}

// NewClient connects to the broker of one subscription and verifies the
// connection with a bounded ping.
func NewClient(cfg config.BrokerConfig) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	return &Client{client: client}, nil
}

// GetClient retrieves the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Close closes the broker connection
func (c *Client) Close() error {
	return c.client.Close()
}
