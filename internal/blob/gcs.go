// internal/blob/gcs.go
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

type gcsConfig struct {
	Bucket          string `json:"bucket"`
	CredentialsFile string `json:"credentials_file"`
	EmulatorHost    string `json:"emulator_host"`
	CDNDomain       string `json:"cdn_domain"`
	UniformAccess   bool   `json:"uniform_access"` // bucket-level IAM; object ACLs are rejected
}

type GCS struct {
	log    zerolog.Logger
	cfg    gcsConfig
	client *storage.Client
}

func newGCS(ctx context.Context, log zerolog.Logger, cfg gcsConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}
	var opts []option.ClientOption
	switch {
	case cfg.EmulatorHost != "":
		_ = os.Setenv("STORAGE_EMULATOR_HOST", strings.TrimRight(cfg.EmulatorHost, "/"))
		opts = append(opts, option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	log.Info().Str("bucket", cfg.Bucket).Bool("emulator", cfg.EmulatorHost != "").Msg("GCS storage ready")
	return &GCS{log: log, cfg: cfg, client: client}, nil
}

func (g *GCS) Name() string { return "gcs" }

func (g *GCS) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	w := g.client.Bucket(g.cfg.Bucket).Object(cleanKey(key)).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.CacheControl = opts.CacheControl
	if opts.Public && !g.cfg.UniformAccess {
		w.PredefinedACL = "publicRead"
	}
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", key, err)
	}
	return nil
}

func (g *GCS) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := g.client.Bucket(g.cfg.Bucket).Object(cleanKey(key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs %s: %w", key, err)
	}
	return true, nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := g.client.Bucket(g.cfg.Bucket).Object(cleanKey(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", key, err)
	}
	return nil
}

func (g *GCS) PublicURL(key string) string {
	key = cleanKey(key)
	if g.cfg.CDNDomain != "" {
		return fmt.Sprintf("https://%s/%s", g.cfg.CDNDomain, key)
	}
	if g.cfg.EmulatorHost != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(g.cfg.EmulatorHost, "/"), g.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.cfg.Bucket, key)
}

func gcsFactory(log zerolog.Logger, raw json.RawMessage) (Store, error) {
	var cfg gcsConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return newGCS(context.Background(), log, cfg)
}

func init() {
	Register("gcs", gcsFactory)
}
