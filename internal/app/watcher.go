package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/db"
	"github.com/bartek5186/partsync/internal/ingest"
	"github.com/bartek5186/partsync/internal/tabular"
)

// settle is how long a file must stay untouched before it is picked up.
const settle = 2 * time.Second

type uploader interface {
	ProcessUpload(ctx context.Context, in ingest.Incoming) (*ingest.Result, error)
}

// Watcher feeds files dropped into a directory to the orchestrator. A file
// identical to an already completed upload is moved to processed/ untouched.
type Watcher struct {
	log    zerolog.Logger
	db     *gorm.DB
	ingest uploader
	dir    string
	now    func() time.Time
}

func NewWatcher(log zerolog.Logger, gdb *gorm.DB, up uploader, dir string) *Watcher {
	return &Watcher{
		log:    log.With().Str("component", "watcher").Str("dir", dir).Logger(),
		db:     gdb,
		ingest: up,
		dir:    dir,
		now:    time.Now,
	}
}

func (w *Watcher) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.log.Error().Err(err).Msg("cannot create watch dir")
		return
	}
	w.log.Info().Dur("every", every).Msg("watching")
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	w.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ScanOnce(ctx)
		}
	}
}

// ScanOnce handles every settled file currently in the directory and
// returns how many were handed to the orchestrator.
func (w *Watcher) ScanOnce(ctx context.Context) int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Error().Err(err).Msg("cannot read watch dir")
		return 0
	}
	n := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return n
		}
		name := e.Name()
		if e.IsDir() || tabular.IsArtifact(name) {
			continue
		}
		kind := tabular.DetectKind(name)
		if !kind.Tabular() && kind != tabular.KindArchive {
			continue
		}
		full := filepath.Join(w.dir, name)
		info, err := e.Info()
		if err != nil || w.now().Sub(info.ModTime()) < settle {
			continue
		}

		sum, err := ingest.FileSHA256(full)
		if err != nil {
			w.log.Warn().Err(err).Str("file", name).Msg("checksum failed")
			continue
		}
		var done int64
		err = w.db.WithContext(ctx).Model(&db.Upload{}).
			Where("checksum = ? AND status = ?", sum, db.StatusCompleted).
			Count(&done).Error
		if err != nil {
			w.log.Error().Err(err).Msg("checksum lookup")
			continue
		}
		if done > 0 {
			w.log.Info().Str("file", name).Msg("identical file already ingested, skipping")
			w.park(full, name)
			continue
		}

		res, err := w.ingest.ProcessUpload(ctx, ingest.Incoming{Path: full, OriginalName: name})
		if err != nil {
			w.log.Error().Err(err).Str("file", name).Msg("drop-folder upload failed")
			if _, statErr := os.Stat(full); statErr == nil {
				w.park(full, name)
			}
			continue
		}
		n++
		w.log.Info().Str("file", name).Uint("upload_id", res.UploadID).Str("method", res.Method).Msg("picked up")
	}
	return n
}

// park moves a file the watcher will not ingest out of the way.
func (w *Watcher) park(full, name string) {
	dst := filepath.Join(w.dir, "processed")
	if err := os.MkdirAll(dst, 0o755); err != nil {
		w.log.Warn().Err(err).Msg("cannot create processed dir")
		return
	}
	if err := os.Rename(full, filepath.Join(dst, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Warn().Err(err).Str("file", name).Msg("cannot park file")
	}
}
