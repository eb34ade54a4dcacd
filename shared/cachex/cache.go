package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"credit-card-platform/shared/config"
)

var errNotInitialized = errors.New("redis client not initialized")

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Client{redis: rdb}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// SetJSONNX stores value only when key is absent. It reports whether the
// value was written.
func (c *Client) SetJSONNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if c == nil || c.redis == nil {
		return false, errNotInitialized
	}
	b, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.redis.SetNX(ctx, key, b, ttl).Result()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.redis == nil {
		return false, errNotInitialized
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	return c.redis.Del(ctx, key).Err()
}

// Redis exposes the underlying client for lockx.
func (c *Client) Redis() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
