// internal/blob/local.go
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

type localConfig struct {
	Root    string `json:"root"`
	BaseURL string `json:"base_url"`
}

// Local stores objects as files under Root. Used for development and tests;
// the HTTP API serves Root under /media/.
type Local struct {
	log     zerolog.Logger
	root    string
	baseURL string
}

func NewLocal(log zerolog.Logger, root, baseURL string) (*Local, error) {
	if root == "" {
		return nil, errors.New("local storage: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	return &Local{log: log, root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (l *Local) Name() string { return "local" }

func (l *Local) Root() string { return l.root }

func (l *Local) path(key string) (string, error) {
	key = cleanKey(key)
	p := filepath.Join(l.root, filepath.FromSlash(key))
	if key == "" || !strings.HasPrefix(p, filepath.Clean(l.root)+string(filepath.Separator)) {
		return "", fmt.Errorf("local storage: invalid key %q", key)
	}
	return p, nil
}

func (l *Local) Put(ctx context.Context, key string, body io.Reader, _ PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	p, err := l.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (l *Local) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) PublicURL(key string) string {
	return l.baseURL + "/" + cleanKey(key)
}

func localFactory(log zerolog.Logger, raw json.RawMessage) (Store, error) {
	var cfg localConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return NewLocal(log, cfg.Root, cfg.BaseURL)
}

func init() {
	Register("local", localFactory)
}
