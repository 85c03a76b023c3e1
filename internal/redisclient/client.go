package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pharmacy-service/internal/models"

	"github.com/go-redis/redis/v8"
)

const (
	sessionKeyPrefix = "session:"
	rateKeyPrefix    = "shipping_rate:"

	rateTTL = 10 * time.Minute
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// GetSession reads a cached session token. A miss is not an error; the
// authoritative record lives in the database.
func (c *Client) GetSession(ctx context.Context, token string) (*models.SessionToken, bool, error) {
	data, err := c.rdb.Get(ctx, sessionKeyPrefix+token).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session cache get failed: %w", err)
	}

	var st models.SessionToken
	if err := json.Unmarshal(data, &st); err != nil {
		// Treat a corrupt cache entry as a miss.
		_ = c.rdb.Del(ctx, sessionKeyPrefix+token).Err()
		return nil, false, nil
	}
	return &st, true, nil
}

// SetSession caches a session token until it expires
func (c *Client) SetSession(ctx context.Context, st *models.SessionToken) error {
	ttl := time.Until(st.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal session token: %w", err)
	}
	return c.rdb.Set(ctx, sessionKeyPrefix+st.Token, data, ttl).Err()
}

// DeleteSession evicts a cached session token
func (c *Client) DeleteSession(ctx context.Context, token string) error {
	return c.rdb.Del(ctx, sessionKeyPrefix+token).Err()
}

// GetShippingRate reads a cached shipping rate
func (c *Client) GetShippingRate(ctx context.Context, method string) (int64, bool, error) {
	amount, err := c.rdb.Get(ctx, rateKeyPrefix+method).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("shipping rate cache get failed: %w", err)
	}
	return amount, true, nil
}

// SetShippingRate caches a shipping rate
func (c *Client) SetShippingRate(ctx context.Context, method string, amount int64) error {
	return c.rdb.Set(ctx, rateKeyPrefix+method, amount, rateTTL).Err()
}
