package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Service is a JSON cache and publisher on top of redis.
// A Service without a client is a no-op, so callers never branch on redis being configured.
type Service struct {
	client *redis.Client
}

// Disabled returns a Service that caches nothing and publishes nowhere.
func Disabled() *Service {
	return &Service{}
}

// New connects to redisURL and pings it. An empty URL returns a disabled Service.
func New(ctx context.Context, redisURL string) (*Service, error) {
	if redisURL == "" {
		return Disabled(), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return Disabled(), fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return Disabled(), fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Default().Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return &Service{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Service {
	return &Service{client: client}
}

func (s *Service) Available() bool {
	return s != nil && s.client != nil
}

// Get decodes key into dest and reports whether it was present.
func (s *Service) Get(ctx context.Context, key string, dest any) (bool, error) {
	if !s.Available() {
		return false, nil
	}
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, fmt.Errorf("decoding cached %s: %w", key, err)
	}
	return true, nil
}

func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !s.Available() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *Service) Delete(ctx context.Context, keys ...string) error {
	if !s.Available() || len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// Publish sends message as JSON on channel.
func (s *Service) Publish(ctx context.Context, channel string, message any) error {
	if !s.Available() {
		return nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, channel, data).Err()
}

func (s *Service) Close() error {
	if !s.Available() {
		return nil
	}
	return s.client.Close()
}
