// Package ingest turns uploaded spreadsheets, CSV files and archives into
// parts. Small files run inline; everything else is split into queued tasks.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/db"
	"github.com/bartek5186/partsync/internal/images"
	"github.com/bartek5186/partsync/internal/queue"
	"github.com/bartek5186/partsync/internal/tabular"
)

// Task kinds handled by the worker pool.
const (
	TaskAnalyze = "upload.analyze"
	TaskChunk   = "chunk.process"
	TaskArchive = "archive.process"
)

// ContextMatcher attaches archive images to the parts of one context.
type ContextMatcher interface {
	MatchContext(ctx context.Context, contextLabel string, imagePaths []string) images.MatchResult
}

// Publisher refreshes the cached progress of an upload.
type Publisher interface {
	Publish(ctx context.Context, uploadID uint)
}

type Config struct {
	StagingDir    string
	ChunkSize     int   // 0 = chunkplan.SizeForFile
	SizeThreshold int64 // bytes; larger files are always chunked
	RowThreshold  int   // data rows; more are chunked
	Charset       string
}

type Orchestrator struct {
	log      zerolog.Logger
	db       *gorm.DB
	tasks    queue.Dispatcher
	images   ContextMatcher
	progress Publisher
	cfg      Config
	now      func() time.Time
}

func New(log zerolog.Logger, gdb *gorm.DB, tasks queue.Dispatcher, matcher ContextMatcher, progress Publisher, cfg Config) *Orchestrator {
	if cfg.SizeThreshold <= 0 {
		cfg.SizeThreshold = 10 * 1024 * 1024
	}
	if cfg.RowThreshold <= 0 {
		cfg.RowThreshold = 100
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "partsync-staging")
	}
	return &Orchestrator{
		log:      log.With().Str("component", "ingest").Logger(),
		db:       gdb,
		tasks:    tasks,
		images:   matcher,
		progress: progress,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Incoming is a file handed over by the HTTP API or the CLI. The orchestrator
// takes ownership of Path: it is moved to staging and removed when done.
type Incoming struct {
	Path         string
	OriginalName string
}

type Result struct {
	UploadID uint   `json:"upload_id"`
	Method   string `json:"processing_method"`
	Summary  string `json:"summary"`
	Counts   Counts `json:"counts"`
}

// ProcessUpload registers the upload and either processes it inline
// (small spreadsheet/CSV) or queues it for the worker pool.
func (o *Orchestrator) ProcessUpload(ctx context.Context, in Incoming) (*Result, error) {
	kind := tabular.DetectKind(in.OriginalName)
	if !kind.Tabular() && kind != tabular.KindArchive {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, in.OriginalName)
	}
	fi, err := os.Stat(in.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tabular.ErrIO, err)
	}

	batchID := uuid.NewString()
	staged, err := o.stage(in, batchID)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", in.OriginalName, err)
	}

	sum, err := FileSHA256(staged)
	if err != nil {
		o.log.Warn().Err(err).Str("file", staged).Msg("checksum failed")
	}
	up := db.Upload{
		OriginalFilename: filepath.Base(in.OriginalName),
		Kind:             string(kind),
		BatchID:          batchID,
		Status:           db.StatusPending,
		StoredPath:       staged,
		SizeBytes:        fi.Size(),
		Checksum:         sum,
	}

	var analysis *tabular.Analysis
	chunked, reason := true, "archive"
	if kind.Tabular() {
		chunked, reason, analysis = o.decide(staged, fi.Size())
	}
	if chunked {
		up.Method = db.MethodChunked
	} else {
		up.Method = db.MethodStandard
	}
	if err := o.db.WithContext(ctx).Create(&up).Error; err != nil {
		_ = os.Remove(staged)
		return nil, fmt.Errorf("create upload: %w", err)
	}
	log := o.log.With().Uint("upload_id", up.ID).Str("file", up.OriginalFilename).Logger()
	log.Info().Str("kind", up.Kind).Str("method", up.Method).Str("reason", reason).Int64("size", up.SizeBytes).Msg("upload received")

	res := &Result{UploadID: up.ID, Method: up.Method}
	if chunked {
		task := TaskAnalyze
		if kind == tabular.KindArchive {
			task = TaskArchive
		}
		if err := o.tasks.Enqueue(ctx, task, uploadPayload{UploadID: up.ID}); err != nil {
			o.fail(ctx, &up, fmt.Sprintf("could not queue upload: %v", err))
			return res, err
		}
		o.event(ctx, up.ID, "info", fmt.Sprintf("queued for background processing (%s)", reason))
		res.Summary = "queued for background processing"
		return res, nil
	}

	counts, err := o.processInline(ctx, &up, analysis)
	res.Counts = counts
	if err != nil {
		res.Summary = err.Error()
		return res, err
	}
	res.Summary = fmt.Sprintf("%d parts processed (%d created, %d updated)", counts.Touched, counts.Created, counts.Updated)
	return res, nil
}

// decide applies the chunking policy. A failed probe chooses chunking.
func (o *Orchestrator) decide(path string, size int64) (bool, string, *tabular.Analysis) {
	if size > o.cfg.SizeThreshold {
		return true, fmt.Sprintf("size %d > %d bytes", size, o.cfg.SizeThreshold), nil
	}
	a, err := tabular.Analyze(path, tabular.Options{Charset: o.cfg.Charset})
	if err != nil {
		return true, fmt.Sprintf("row probe failed: %v", err), nil
	}
	if a.TotalDataRows > o.cfg.RowThreshold {
		return true, fmt.Sprintf("%d rows > %d", a.TotalDataRows, o.cfg.RowThreshold), a
	}
	return false, fmt.Sprintf("%d rows", a.TotalDataRows), a
}

func (o *Orchestrator) processInline(ctx context.Context, up *db.Upload, a *tabular.Analysis) (Counts, error) {
	defer o.removeStaged(up)

	err := o.db.WithContext(ctx).Model(up).Updates(map[string]any{
		"status":      db.StatusProcessing,
		"total_parts": a.TotalDataRows,
		"headers":     datatypes.JSONSlice[string](a.Headers),
	}).Error
	if err != nil {
		return Counts{}, err
	}
	r, err := tabular.Open(up.StoredPath, tabular.Options{Charset: o.cfg.Charset})
	if err != nil {
		o.fail(ctx, up, err.Error())
		return Counts{}, err
	}
	rows, err := r.ReadAll(a.Headers)
	if err != nil {
		o.fail(ctx, up, err.Error())
		return Counts{}, err
	}
	counts, err := o.ProcessDataRows(ctx, up, tabular.ContextLabel(up.OriginalFilename), a.Headers, rows)
	if err != nil {
		o.fail(ctx, up, err.Error())
		return Counts{}, err
	}

	now := o.now()
	err = o.db.WithContext(ctx).Model(up).Updates(map[string]any{
		"status":          db.StatusCompleted,
		"processed_parts": a.TotalDataRows,
		"created_count":   counts.Created,
		"updated_count":   counts.Updated,
		"completed_at":    now,
	}).Error
	if err != nil {
		return counts, err
	}
	o.event(ctx, up.ID, "info", fmt.Sprintf("processed %d parts (%d created, %d updated, %d skipped)",
		counts.Touched, counts.Created, counts.Updated, counts.Skipped))
	o.publish(ctx, up.ID)
	return counts, nil
}

// stage moves the incoming file into the staging directory so chunk workers
// can reopen it later.
func (o *Orchestrator) stage(in Incoming, batchID string) (string, error) {
	dir := filepath.Join(o.cfg.StagingDir, batchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.Base(in.OriginalName))
	if err := os.Rename(in.Path, dst); err == nil {
		return dst, nil
	}
	// cross-device: copy then remove
	if err := copyFile(in.Path, dst); err != nil {
		return "", err
	}
	_ = os.Remove(in.Path)
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// FileSHA256 returns the hex sha256 of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (o *Orchestrator) removeStaged(up *db.Upload) {
	if up.StoredPath == "" {
		return
	}
	if err := os.RemoveAll(filepath.Dir(up.StoredPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.log.Warn().Err(err).Uint("upload_id", up.ID).Msg("could not remove staged file")
	}
}

// fail marks the whole upload failed and logs why.
func (o *Orchestrator) fail(ctx context.Context, up *db.Upload, msg string) {
	ctx = context.WithoutCancel(ctx)
	if err := db.MarkUpload(ctx, o.db, up.ID, db.StatusFailed); err != nil {
		o.log.Error().Err(err).Uint("upload_id", up.ID).Msg("mark upload failed")
	}
	up.Status = db.StatusFailed
	o.event(ctx, up.ID, "error", msg)
	o.log.Error().Uint("upload_id", up.ID).Str("file", up.OriginalFilename).Msg(msg)
	o.publish(ctx, up.ID)
}

func (o *Orchestrator) event(ctx context.Context, uploadID uint, level, msg string) {
	if err := db.AppendEvent(context.WithoutCancel(ctx), o.db, uploadID, level, msg); err != nil {
		o.log.Warn().Err(err).Uint("upload_id", uploadID).Msg("append event")
	}
}

func (o *Orchestrator) publish(ctx context.Context, uploadID uint) {
	if o.progress != nil {
		o.progress.Publish(context.WithoutCancel(ctx), uploadID)
	}
}
