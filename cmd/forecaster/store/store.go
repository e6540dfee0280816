// Package store selects the forecast snapshot backend from configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/HatiCode/gridcast/cmd/forecaster/config"
	"github.com/HatiCode/gridcast/pkg/storage"
)

// Store is a snapshot store the forecaster can release on shutdown and ping
// from the health check.
type Store interface {
	storage.Store
	Close() error
	Ping(ctx context.Context) error
}

// New creates the configured backend. Memory snapshots expire after the same
// TTL as Redis keys.
func New(cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Storage {
	case "redis":
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, err
		}
		logger.Info("using redis storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.RedisTTL)
		return rs, nil
	case "memory", "":
		ms, err := storage.NewMemoryStoreWithTTL(cfg.RedisTTL, 0)
		if err != nil {
			return nil, err
		}
		logger.Info("using in-memory storage", "ttl", cfg.RedisTTL)
		return memory{ms}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

type memory struct {
	*storage.MemoryStore
}

func (m memory) Close() error {
	m.Stop()
	return nil
}

func (memory) Ping(context.Context) error { return nil }
