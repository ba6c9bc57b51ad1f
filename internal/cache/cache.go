// Package cache is the TTL key-value store in front of progress reads.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	conf "github.com/bartek5186/partsync/internal/config"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Loader computes a value on a miss.
type Loader func(ctx context.Context) ([]byte, error)

// Remembering wraps a Cache with read-through semantics. Concurrent misses
// for one key share a single Loader call.
type Remembering struct {
	Cache
	log   zerolog.Logger
	group singleflight.Group
}

func NewRemembering(log zerolog.Logger, c Cache) *Remembering {
	return &Remembering{Cache: c, log: log}
}

// Remember returns the cached value or computes, stores and returns it.
// Cache errors degrade to a plain Loader call.
func (r *Remembering) Remember(ctx context.Context, key string, ttl time.Duration, load Loader) ([]byte, error) {
	if b, err := r.Get(ctx, key); err == nil {
		return b, nil
	} else if !errors.Is(err, ErrMiss) {
		r.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		if b, err := r.Get(ctx, key); err == nil {
			return b, nil
		}
		b, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := r.Set(ctx, key, b, ttl); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// New builds the configured backend.
func New(log zerolog.Logger, cfg conf.CacheConfig) (*Remembering, error) {
	log = log.With().Str("component", "cache").Str("driver", cfg.Driver).Logger()
	switch cfg.Driver {
	case "", "memory":
		return NewRemembering(log, NewMemory(4096, MaxTTL)), nil
	case "redis":
		rc, err := NewRedis(cfg)
		if err != nil {
			return nil, err
		}
		return NewRemembering(log, rc), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}
