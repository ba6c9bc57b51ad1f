// internal/blob/store.go
package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	putTimeout = 2 * time.Minute
	opTimeout  = 30 * time.Second

	// CacheForever is the Cache-Control used for content-addressed part images.
	CacheForever = "public, max-age=31536000"
)

type PutOptions struct {
	ContentType  string
	CacheControl string
	Public       bool
}

// Store is the object storage used for part images.
type Store interface {
	Name() string
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

type Factory func(log zerolog.Logger, raw json.RawMessage) (Store, error)

// Open builds the backend registered under name from its raw config.
func Open(log zerolog.Logger, name string, raw json.RawMessage) (Store, error) {
	f, ok := Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q (have %v)", name, Names())
	}
	st, err := f(log.With().Str("storage", name).Logger(), raw)
	if err != nil {
		return nil, fmt.Errorf("init storage %s: %w", name, err)
	}
	return st, nil
}

// ContentTypeFor guesses the MIME type from the key's extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

func cleanKey(key string) string {
	return strings.TrimLeft(strings.TrimSpace(key), "/")
}
