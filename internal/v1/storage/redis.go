package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/roomkit-dev/roomkit/internal/v1/metrics"
)

// RedisStore implements Store on top of a Redis cluster. All keys are
// namespaced under a prefix so multiple worlds can share one instance.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	prefix string
}

// Client returns the underlying Redis client. Callers that need raw access
// (rate limiter stores, the pub/sub bus) share this connection pool.
func (s *RedisStore) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewRedisStore creates a robust Redis connection and verifies connectivity.
func NewRedisStore(addr, password, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis-kv",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	slog.Info("Connected to Redis KV store", "addr", addr, "prefix", prefix)
	return &RedisStore{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		prefix: prefix,
	}, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		raw, err := s.client.Get(ctx, s.key(key)).Bytes()
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return raw, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, s.key(key), value, 0).Err()
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, s.key(key)).Err()
	})
	return err
}

func (s *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		out := make(map[string][]byte)
		var cursor uint64
		match := s.key(prefix) + "*"
		for {
			keys, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
			if err != nil {
				return nil, fmt.Errorf("scan %q: %w", match, err)
			}
			for _, k := range keys {
				raw, err := s.client.Get(ctx, k).Bytes()
				if err == redis.Nil {
					continue // deleted between scan and get
				}
				if err != nil {
					return nil, err
				}
				out[k[len(s.prefix):]] = raw
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string][]byte), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
