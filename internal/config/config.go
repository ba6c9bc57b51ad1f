// internal/config/config.go
package conf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bartek5186/partsync/internal/db"
)

// Main application config
type Config struct {
	AutoStart  bool             `json:"auto_start"` // start the worker pool with serve/console
	Workers    int              `json:"workers"`
	LogLevel   string           `json:"log_level"`
	Database   db.Config        `json:"database"`
	Warehouse  db.Config        `json:"warehouse"`
	Storage    StorageConfig    `json:"storage"`
	Cache      CacheConfig      `json:"cache"`
	Storefront StorefrontConfig `json:"storefront"`
	Ingest     IngestConfig     `json:"ingest"`
	Stuck      StuckConfig      `json:"stuck"`
	HTTP       HTTPConfig       `json:"http"`
}

// StorageConfig picks a blob backend; each backend keeps its own raw JSON.
type StorageConfig struct {
	Driver   string                     `json:"driver"` // s3 | gcs | local
	Backends map[string]json.RawMessage `json:"backends"`
}

type CacheConfig struct {
	Driver    string `json:"driver"` // memory | redis
	RedisAddr string `json:"redis_addr"`
	RedisDB   int    `json:"redis_db"`
	Password  string `json:"password,omitempty"`
	Prefix    string `json:"prefix"`
}

type StorefrontConfig struct {
	Shop           string  `json:"shop"` // myshopify subdomain
	AccessToken    string  `json:"access_token"`
	APIVersion     string  `json:"api_version"`
	Endpoint       string  `json:"endpoint,omitempty"` // overrides the derived admin GraphQL URL
	RequestsPerSec float64 `json:"requests_per_sec"`
	BatchSize      int     `json:"batch_size"`
	TimeoutSec     int     `json:"timeout_sec"`
}

type IngestConfig struct {
	StagingDir           string `json:"staging_dir"`
	ChunkSize            int    `json:"chunk_size"` // 0 = derive from file size
	ChunkSizeThreshold   int64  `json:"chunk_size_threshold_bytes"`
	ChunkRowThreshold    int    `json:"chunk_row_threshold"`
	VisibilityTimeoutSec int    `json:"visibility_timeout_sec"`
	PollIntervalMs       int    `json:"poll_interval_ms"`
	MaxAttempts          int    `json:"max_attempts"`
	ImageConcurrency     int    `json:"image_concurrency"`
	CSVCharset           string `json:"csv_charset,omitempty"` // empty = detect
	WatchDir             string `json:"watch_dir,omitempty"` // drop folder picked up while running
	WatchPollSec         int    `json:"watch_poll_sec"`
}

type StuckConfig struct {
	Policy           string `json:"policy"` // report | fail | requeue
	CheckIntervalMin int    `json:"check_interval_min"`
}

type HTTPConfig struct {
	Addr        string `json:"addr"`
	MaxUploadMB int64  `json:"max_upload_mb"`
}

// Defaults returns the config written on first run.
func Defaults(appDir string) *Config {
	localRaw, _ := json.Marshal(map[string]string{
		"root":     filepath.Join(appDir, "media"),
		"base_url": "http://localhost:8080/media",
	})
	s3Raw, _ := json.Marshal(map[string]string{
		"bucket":     "parts-images",
		"region":     "us-east-1",
		"endpoint":   "",
		"access_key": "",
		"secret_key": "",
		"public_url": "",
	})
	gcsRaw, _ := json.Marshal(map[string]string{
		"bucket":           "parts-images",
		"credentials_file": "",
		"emulator_host":    "",
		"cdn_domain":       "",
	})
	cfg := &Config{
		AutoStart: true,
		Workers:   4,
		LogLevel:  "info",
		Database: db.Config{
			Driver: "sqlite",
			DSN:    filepath.Join(appDir, "partsync.db"),
		},
		Warehouse: db.Config{
			Driver: "sqlite",
			DSN:    filepath.Join(appDir, "warehouse.db"),
		},
		Storage: StorageConfig{
			Driver: "local",
			Backends: map[string]json.RawMessage{
				"local": localRaw,
				"s3":    s3Raw,
				"gcs":   gcsRaw,
			},
		},
		Cache: CacheConfig{Driver: "memory", RedisAddr: "localhost:6379", Prefix: "partsync:"},
		Storefront: StorefrontConfig{
			Shop:           "example",
			AccessToken:    "shpat_xxx",
			APIVersion:     "2024-10",
			RequestsPerSec: 2,
			BatchSize:      10,
			TimeoutSec:     20,
		},
		Ingest: IngestConfig{
			StagingDir: filepath.Join(appDir, "staging"),
		},
		Stuck: StuckConfig{Policy: "report"},
		HTTP:  HTTPConfig{Addr: ":8080", MaxUploadMB: 512},
	}
	cfg.Validate()
	return cfg
}

// Validate fills zero values with defaults.
func (c *Config) Validate() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Ingest.ChunkSizeThreshold <= 0 {
		c.Ingest.ChunkSizeThreshold = 10 * 1024 * 1024
	}
	if c.Ingest.ChunkRowThreshold <= 0 {
		c.Ingest.ChunkRowThreshold = 100
	}
	if c.Ingest.VisibilityTimeoutSec <= 0 {
		c.Ingest.VisibilityTimeoutSec = 600
	}
	if c.Ingest.PollIntervalMs <= 0 {
		c.Ingest.PollIntervalMs = 1000
	}
	if c.Ingest.MaxAttempts <= 0 {
		c.Ingest.MaxAttempts = 3
	}
	if c.Ingest.ImageConcurrency <= 0 {
		c.Ingest.ImageConcurrency = 4
	}
	if c.Ingest.WatchPollSec <= 0 {
		c.Ingest.WatchPollSec = 10
	}
	if c.Stuck.CheckIntervalMin <= 0 {
		c.Stuck.CheckIntervalMin = 15
	}
	if c.Storefront.BatchSize <= 0 {
		c.Storefront.BatchSize = 10
	}
	if c.Storefront.RequestsPerSec <= 0 {
		c.Storefront.RequestsPerSec = 2
	}
	if c.Storefront.TimeoutSec <= 0 {
		c.Storefront.TimeoutSec = 20
	}
	if c.Storefront.APIVersion == "" {
		c.Storefront.APIVersion = "2024-10"
	}
	if c.Stuck.Policy == "" {
		c.Stuck.Policy = "report"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.MaxUploadMB <= 0 {
		c.HTTP.MaxUploadMB = 512
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Storage.Backends == nil {
		c.Storage.Backends = map[string]json.RawMessage{}
	}
}

func LoadOrCreate(path string) (*Config, bool, error) {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Defaults(filepath.Dir(path))
			if err := Save(path, cfg); err != nil {
				return nil, false, fmt.Errorf("write default config: %w", err)
			}
			return cfg, true, nil
		}
		return nil, false, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, false, fmt.Errorf("parse config: %w", err)
	}
	cfg.Validate()
	return &cfg, false, nil
}

func Save(path string, cfg *Config) error {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

// StorageBackend returns the raw JSON of the selected storage backend.
func (c *Config) StorageBackend() (string, json.RawMessage, error) {
	name := c.Storage.Driver
	raw, ok := c.Storage.Backends[name]
	if !ok {
		return name, nil, fmt.Errorf("no storage backend %q in config", name)
	}
	return name, raw, nil
}
