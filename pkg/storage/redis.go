package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/HatiCode/gridcast/pkg/ensemble"
)

// KeyPrefix is prepended to the tenant id to form the Redis key.
const KeyPrefix = "gridcast:forecast:"

// RedisStore shares the latest results between forecaster replicas.
// Keys expire after the configured TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
}

// NewRedisStore connects to addr and pings it. A zero ttl defaults to two
// hours, long enough to survive one missed hourly schedule.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	if ttl == 0 {
		ttl = 2 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
	}, nil
}

func key(tenant string) string {
	return KeyPrefix + tenant
}

// Put stores result under "gridcast:forecast:{tenant}".
func (r *RedisStore) Put(ctx context.Context, result *ensemble.Result) error {
	if result == nil {
		return errors.New("result cannot be nil")
	}
	if err := ValidateTenant(result.Tenant); err != nil {
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := r.client.Set(ctx, key(result.Tenant), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store result in redis: %w", err)
	}
	return nil
}

// GetLatest returns the tenant's latest result; found is false when the key
// is missing or expired.
func (r *RedisStore) GetLatest(ctx context.Context, tenant string) (*ensemble.Result, bool, error) {
	if err := ValidateTenant(tenant); err != nil {
		return nil, false, err
	}

	data, err := r.client.Get(ctx, key(tenant)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get result from redis: %w", err)
	}

	var result ensemble.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, true, nil
}

// Close closes the client. It is idempotent.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return redis.ErrClosed
	}
	return r.client.Ping(ctx).Err()
}
