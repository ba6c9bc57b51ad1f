// Package app wires the configured components together and owns the
// lifecycle of the background side: worker pool, stuck sweep and drop folder.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bartek5186/partsync/internal/blob"
	"github.com/bartek5186/partsync/internal/cache"
	conf "github.com/bartek5186/partsync/internal/config"
	"github.com/bartek5186/partsync/internal/db"
	"github.com/bartek5186/partsync/internal/images"
	"github.com/bartek5186/partsync/internal/ingest"
	"github.com/bartek5186/partsync/internal/progress"
	"github.com/bartek5186/partsync/internal/queue"
	"github.com/bartek5186/partsync/internal/storefront"
	"github.com/bartek5186/partsync/internal/worker"
)

type App struct {
	log zerolog.Logger

	DB         *db.Handle
	Warehouse  *db.Handle
	Store      blob.Store
	Cache      *cache.Remembering
	Queue      *queue.Queue
	Ingest     *ingest.Orchestrator
	Progress   *progress.Aggregator
	Images     *images.Matcher
	Storefront *storefront.Syncer

	mu      sync.Mutex
	cfg     *conf.Config
	pool    *worker.Pool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sweeps  uint64
}

// Open connects both databases, the blob store and the cache, and builds
// every service on top of them.
func Open(log zerolog.Logger, cfg *conf.Config) (*App, error) {
	a := &App{log: log.With().Str("component", "app").Logger(), cfg: cfg}

	var err error
	if a.DB, err = db.Open(cfg.Database); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := a.DB.Migrate(); err != nil {
		a.Close()
		return nil, err
	}
	if a.Warehouse, err = db.Open(cfg.Warehouse); err != nil {
		a.Close()
		return nil, fmt.Errorf("warehouse: %w", err)
	}
	if cfg.Warehouse.Driver == "" || cfg.Warehouse.Driver == "sqlite" || cfg.Warehouse.Driver == "sqlite3" {
		if err := a.Warehouse.MigrateWarehouse(); err != nil {
			a.Close()
			return nil, err
		}
	}

	name, raw, err := cfg.StorageBackend()
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.Store, err = blob.Open(log, name, raw); err != nil {
		a.Close()
		return nil, err
	}
	if a.Cache, err = cache.New(log, cfg.Cache); err != nil {
		a.Close()
		return nil, err
	}

	gdb := a.DB.DB
	a.Queue = queue.New(gdb, queue.Options{Visibility: time.Duration(cfg.Ingest.VisibilityTimeoutSec) * time.Second})
	a.Progress = progress.New(log, gdb, a.Cache)
	a.Images = images.NewMatcher(log, gdb, images.NewUploader(log, gdb, a.Store), cfg.Ingest.ImageConcurrency)
	a.Ingest = ingest.New(log, gdb, a.Queue, a.Images, a.Progress, ingestConfig(cfg))
	client := storefront.NewClient(log, cfg.Storefront, nil)
	a.Storefront = storefront.NewSyncer(log, gdb, a.Warehouse.DB, client, cfg.Storefront.Shop)
	a.pool = a.newPool(cfg)

	a.log.Info().Str("db", cfg.Database.Driver).Str("warehouse", cfg.Warehouse.Driver).
		Str("storage", name).Str("cache", cfg.Cache.Driver).Msg("components ready")
	return a, nil
}

func ingestConfig(cfg *conf.Config) ingest.Config {
	return ingest.Config{
		StagingDir:    cfg.Ingest.StagingDir,
		ChunkSize:     cfg.Ingest.ChunkSize,
		SizeThreshold: cfg.Ingest.ChunkSizeThreshold,
		RowThreshold:  cfg.Ingest.ChunkRowThreshold,
		Charset:       cfg.Ingest.CSVCharset,
	}
}

func (a *App) newPool(cfg *conf.Config) *worker.Pool {
	p := worker.New(a.log, a.Queue, worker.Options{
		Workers:      cfg.Workers,
		PollInterval: time.Duration(cfg.Ingest.PollIntervalMs) * time.Millisecond,
		MaxAttempts:  cfg.Ingest.MaxAttempts,
	})
	a.Ingest.Register(p)
	return p
}

func (a *App) Config() *conf.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Pool returns the current worker pool; it changes on UpdateConfig.
func (a *App) Pool() *worker.Pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pool
}

// Start runs the worker pool, the periodic stuck sweep and, when
// configured, the drop-folder watcher. Calling it twice is a no-op.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := a.pool.Start(ctx); err != nil {
		a.mu.Unlock()
		cancel()
		return err
	}
	a.cancel = cancel
	a.running = true
	cfg := a.cfg
	a.mu.Unlock()

	a.wg.Add(1)
	go a.sweepLoop(ctx, time.Duration(cfg.Stuck.CheckIntervalMin)*time.Minute, cfg.Stuck.Policy)
	if cfg.Ingest.WatchDir != "" {
		w := NewWatcher(a.log, a.DB.DB, a.Ingest, cfg.Ingest.WatchDir)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			w.Run(ctx, time.Duration(cfg.Ingest.WatchPollSec)*time.Second)
		}()
	}
	a.log.Info().Msg("background processing started")
	return nil
}

func (a *App) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.cancel = nil
	pool := a.pool
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	pool.Stop()
	a.wg.Wait()
	a.log.Info().Msg("background processing stopped")
}

func (a *App) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// UpdateConfig swaps in a reloaded config. Worker and sweep settings take
// effect immediately (the background side restarts if it was running);
// connection settings need a process restart.
func (a *App) UpdateConfig(ctx context.Context, cfg *conf.Config) error {
	wasRunning := a.IsRunning()
	if wasRunning {
		a.Stop()
	}
	a.mu.Lock()
	a.cfg = cfg
	a.pool = a.newPool(cfg)
	a.mu.Unlock()
	a.log.Info().Bool("restart", wasRunning).Msg("config updated")
	if wasRunning {
		return a.Start(ctx)
	}
	return nil
}

func (a *App) sweepLoop(ctx context.Context, every time.Duration, policy string) {
	defer a.wg.Done()
	if every <= 0 {
		every = 15 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Sweep(ctx, policy); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error().Err(err).Msg("stuck sweep")
			}
		}
	}
}

// Sweep finds stuck uploads and applies policy to them.
func (a *App) Sweep(ctx context.Context, policy string) ([]progress.StuckUpload, error) {
	a.mu.Lock()
	a.sweeps++
	n := a.sweeps
	a.mu.Unlock()

	stuck, err := a.Progress.CheckStuckUploads(ctx)
	if err != nil {
		return nil, err
	}
	a.log.Debug().Uint64("sweep", n).Int("stuck", len(stuck)).Str("policy", policy).Msg("stuck sweep")
	if len(stuck) == 0 {
		return stuck, nil
	}
	return stuck, a.Progress.ApplyStuckPolicy(ctx, stuck, policy, a.Ingest)
}

// Close stops the background side and releases connections.
func (a *App) Close() {
	a.Stop()
	if a.DB != nil {
		_ = a.DB.Close()
	}
	if a.Warehouse != nil {
		_ = a.Warehouse.Close()
	}
}
