package ingest

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/db"
	"github.com/bartek5186/partsync/internal/queue"
	"github.com/bartek5186/partsync/internal/tabular"
)

const (
	maxArchiveFiles = 10000
	maxArchiveBytes = 4 << 30
)

var errArchiveTooLarge = errors.New("archive exceeds extraction limits")

// HandleArchive extracts a zip upload, ingests every spreadsheet/CSV in it
// (one transaction per file) and then matches the loose images against the
// first ingested file's context. The temp directory is always removed.
func (o *Orchestrator) HandleArchive(ctx context.Context, t *db.Task) error {
	var p uploadPayload
	if err := queue.Decode(t, &p); err != nil {
		o.log.Error().Err(err).Str("task_id", t.ID).Msg("bad payload")
		return nil
	}
	up, err := o.loadUpload(ctx, p.UploadID)
	if err != nil || up == nil || terminal(up.Status) {
		return err
	}
	log := o.log.With().Uint("upload_id", up.ID).Str("file", up.OriginalFilename).Logger()
	claimed, err := o.claimUpload(ctx, up.ID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug().Msg("archive already being processed, dropping redelivered task")
		return nil
	}

	tmp, err := os.MkdirTemp("", "partsync-archive-*")
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			log.Warn().Err(err).Str("dir", tmp).Msg("temp cleanup failed")
		}
	}()

	if err := extractZip(up.StoredPath, tmp); err != nil {
		o.fail(ctx, up, fmt.Sprintf("extract archive: %v", err))
		o.removeStaged(up)
		return nil
	}
	sheets, imgs, err := collectMembers(tmp)
	if err != nil {
		o.fail(ctx, up, fmt.Sprintf("walk archive: %v", err))
		o.removeStaged(up)
		return nil
	}
	o.event(ctx, up.ID, "info", fmt.Sprintf("archive contains %d tabular files and %d images", len(sheets), len(imgs)))
	if len(sheets) == 0 {
		o.fail(ctx, up, "archive contains no spreadsheet or CSV file")
		o.removeStaged(up)
		return nil
	}

	opts := tabular.Options{Charset: o.cfg.Charset}
	analyses := make([]*tabular.Analysis, len(sheets))
	errs := make([]error, len(sheets))
	totalRows := 0
	for i, s := range sheets {
		analyses[i], errs[i] = tabular.Analyze(s, opts)
		if errs[i] == nil {
			totalRows += analyses[i].TotalDataRows
		}
	}
	if err := o.db.WithContext(ctx).Model(up).Update("total_parts", totalRows).Error; err != nil {
		return err
	}

	var sum Counts
	firstContext := ""
	failedFiles := 0
	for i, s := range sheets {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := filepath.Base(s)
		label := tabular.ContextLabel(s)
		counts, err := o.ingestMember(ctx, up, s, label, analyses[i], errs[i])
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			failedFiles++
			log.Error().Err(err).Str("member", name).Msg("archive member failed")
			o.event(ctx, up.ID, "error", fmt.Sprintf("%s: %v", name, err))
		} else {
			sum.Add(counts)
			if firstContext == "" {
				firstContext = label
			}
			o.event(ctx, up.ID, "info", fmt.Sprintf("%s: %d parts (%d created, %d updated)", name, counts.Touched, counts.Created, counts.Updated))
		}
		rows := 0
		if analyses[i] != nil {
			rows = analyses[i].TotalDataRows
		}
		err = o.db.WithContext(ctx).Model(&db.Upload{}).Where("id = ?", up.ID).Updates(map[string]any{
			"processed_parts": gorm.Expr("processed_parts + ?", rows),
			"created_count":   gorm.Expr("created_count + ?", counts.Created),
			"updated_count":   gorm.Expr("updated_count + ?", counts.Updated),
		}).Error
		if err != nil {
			log.Error().Err(err).Msg("upload counters")
		}
		o.publish(ctx, up.ID)
	}

	if len(imgs) > 0 && firstContext != "" && o.images != nil {
		res := o.images.MatchContext(ctx, firstContext, imgs)
		o.event(ctx, up.ID, "info", fmt.Sprintf("images for %q: %d matched, %d uploaded, %d failed, %d unmatched",
			firstContext, res.Matched, res.Uploaded, res.Failed, len(res.Unmatched)))
	}

	status := db.StatusCompleted
	if failedFiles == len(sheets) {
		status = db.StatusFailed
	}
	if err := db.MarkUpload(context.WithoutCancel(ctx), o.db, up.ID, status); err != nil {
		return err
	}
	o.removeStaged(up)
	o.event(ctx, up.ID, "info", fmt.Sprintf("archive done: %d parts (%d created, %d updated), %d of %d files failed",
		sum.Touched, sum.Created, sum.Updated, failedFiles, len(sheets)))
	log.Info().Str("status", status).Int("parts", sum.Touched).Int("failed_files", failedFiles).Msg("archive processed")
	o.publish(ctx, up.ID)
	return nil
}

func (o *Orchestrator) ingestMember(ctx context.Context, up *db.Upload, path, label string, a *tabular.Analysis, analyzeErr error) (Counts, error) {
	if analyzeErr != nil {
		return Counts{}, analyzeErr
	}
	r, err := tabular.Open(path, tabular.Options{Charset: o.cfg.Charset})
	if err != nil {
		return Counts{}, err
	}
	rows, err := r.ReadAll(a.Headers)
	if err != nil {
		return Counts{}, err
	}
	return o.ProcessDataRows(ctx, up, label, a.Headers, rows)
}

// extractZip unpacks src into dir, skipping OS artifacts and refusing
// entries that would land outside dir.
func extractZip(src, dir string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("%w: %v", tabular.ErrFormat, err)
	}
	defer zr.Close()

	if len(zr.File) > maxArchiveFiles {
		return fmt.Errorf("%w: %d entries", errArchiveTooLarge, len(zr.File))
	}
	root := filepath.Clean(dir) + string(filepath.Separator)
	var written int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || tabular.IsArtifact(f.Name) {
			continue
		}
		dst := filepath.Join(dir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dst, root) {
			return fmt.Errorf("%w: illegal path %q", tabular.ErrFormat, f.Name)
		}
		n, err := extractOne(f, dst, maxArchiveBytes-written)
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

func extractOne(f *zip.File, dst string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", tabular.ErrFormat, f.Name, err)
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("%s: %w", f.Name, err)
	}
	if n > budget {
		return n, errArchiveTooLarge
	}
	return n, nil
}

// collectMembers walks the extracted tree in lexical order.
func collectMembers(dir string) (sheets, imgs []string, err error) {
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		if d.IsDir() {
			if p != dir && tabular.IsArtifact(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if tabular.IsArtifact(rel) {
			return nil
		}
		switch k := tabular.DetectKind(p); {
		case k.Tabular():
			sheets = append(sheets, p)
		case k == tabular.KindImage:
			imgs = append(imgs, p)
		}
		return nil
	})
	return sheets, imgs, err
}
