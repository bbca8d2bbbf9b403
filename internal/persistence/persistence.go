package persistence

import (
	"context"
	"fmt"
	"strings"

	"playguard/internal/config"
	"playguard/internal/license"
)

// Backend is a license.Persistence that holds resources until closed
type Backend interface {
	license.Persistence
	Close() error
}

// Open returns the backend selected by cfg.Backend
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "bolt":
		return NewBoltStore(cfg.Path)
	case "redis":
		client, err := Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		store := NewRedisStore(client, cfg.RedisPrefix)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func cloneLicenses(in []*license.License) []*license.License {
	out := make([]*license.License, 0, len(in))
	for _, l := range in {
		if l != nil {
			out = append(out, l.Clone())
		}
	}
	return out
}
