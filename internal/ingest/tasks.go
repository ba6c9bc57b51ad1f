package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/chunkplan"
	"github.com/bartek5186/partsync/internal/db"
	"github.com/bartek5186/partsync/internal/queue"
	"github.com/bartek5186/partsync/internal/tabular"
	"github.com/bartek5186/partsync/internal/worker"
)

type uploadPayload struct {
	UploadID uint `json:"upload_id"`
}

type chunkPayload struct {
	ChunkID uint `json:"chunk_id"`
}

// Register wires the task handlers into a worker pool.
func (o *Orchestrator) Register(p *worker.Pool) {
	p.Handle(TaskAnalyze, o.HandleAnalyze)
	p.Handle(TaskChunk, o.HandleChunk)
	p.Handle(TaskArchive, o.HandleArchive)
}

func terminal(status string) bool {
	return status == db.StatusCompleted || status == db.StatusFailed
}

// loadUpload returns nil, nil for uploads that no longer exist.
func (o *Orchestrator) loadUpload(ctx context.Context, id uint) (*db.Upload, error) {
	var up db.Upload
	err := o.db.WithContext(ctx).First(&up, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		o.log.Warn().Uint("upload_id", id).Msg("upload gone, dropping task")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &up, nil
}

// HandleAnalyze reads the header and row count of a large file, plans its
// chunks and queues one task per chunk.
func (o *Orchestrator) HandleAnalyze(ctx context.Context, t *db.Task) error {
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
		log.Debug().Msg("upload already claimed, dropping redelivered analyze task")
		return nil
	}
	a, err := tabular.Analyze(up.StoredPath, tabular.Options{Charset: o.cfg.Charset})
	if err != nil {
		o.fail(ctx, up, fmt.Sprintf("analysis failed: %v", err))
		o.removeStaged(up)
		return nil
	}

	size := o.cfg.ChunkSize
	if size <= 0 {
		size = chunkplan.SizeForFile(up.SizeBytes)
	}

	tx := o.db.WithContext(ctx).Begin()
	defer tx.Rollback()
	err = tx.Model(up).Updates(map[string]any{
		"total_parts": a.TotalDataRows,
		"headers":     datatypes.JSONSlice[string](a.Headers),
	}).Error
	if err != nil {
		return err
	}
	chunks, err := chunkplan.Plan(ctx, tx, up.ID, a.TotalDataRows, size)
	if err != nil {
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return err
	}

	o.event(ctx, up.ID, "info", fmt.Sprintf("%d data rows planned as %d chunks of up to %d rows", a.TotalDataRows, len(chunks), size))
	log.Info().Int("rows", a.TotalDataRows).Int("chunks", len(chunks)).Int("chunk_size", size).Msg("chunks planned")
	o.publish(ctx, up.ID)
	return o.enqueueChunks(ctx, chunks, db.StatusPending)
}

func (o *Orchestrator) enqueueChunks(ctx context.Context, chunks []db.UploadChunk, status string) error {
	for _, c := range chunks {
		if c.Status != status {
			continue
		}
		if err := o.tasks.Enqueue(ctx, TaskChunk, chunkPayload{ChunkID: c.ID}); err != nil {
			return fmt.Errorf("enqueue chunk %d: %w", c.ChunkNumber, err)
		}
	}
	return nil
}

// HandleChunk processes one chunk. A failure is recorded on the chunk and
// never touches sibling chunks.
func (o *Orchestrator) HandleChunk(ctx context.Context, t *db.Task) error {
	var p chunkPayload
	if err := queue.Decode(t, &p); err != nil {
		o.log.Error().Err(err).Str("task_id", t.ID).Msg("bad payload")
		return nil
	}
	var ch db.UploadChunk
	err := o.db.WithContext(ctx).First(&ch, p.ChunkID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ch.Terminal() {
		return nil
	}
	up, err := o.loadUpload(ctx, ch.UploadID)
	if err != nil || up == nil || terminal(up.Status) {
		return err
	}
	log := o.log.With().Uint("upload_id", up.ID).Int("chunk", ch.ChunkNumber).Logger()

	started := o.now()
	claim := o.db.WithContext(ctx).Model(&db.UploadChunk{}).
		Where("id = ? AND status = ?", ch.ID, db.StatusPending).
		Updates(map[string]any{"status": db.StatusProcessing, "started_at": started})
	if claim.Error != nil {
		return claim.Error
	}
	if claim.RowsAffected == 0 {
		log.Debug().Msg("chunk held by another worker, dropping redelivered task")
		return nil
	}

	counts, runErr := o.runChunk(ctx, up, &ch)
	done := o.now()
	secs := done.Sub(started).Seconds()

	if runErr != nil && ctx.Err() != nil {
		// shutdown mid-chunk: hand it back to the queue untouched
		_ = o.db.WithContext(context.WithoutCancel(ctx)).Model(&db.UploadChunk{}).
			Where("id = ? AND status = ?", ch.ID, db.StatusProcessing).
			Updates(map[string]any{"status": db.StatusPending, "started_at": nil}).Error
		return runErr
	}

	bg := context.WithoutCancel(ctx)
	// only the run that moves the chunk out of processing counts its rows
	finish := o.db.WithContext(bg).Model(&db.UploadChunk{}).Where("id = ? AND status = ?", ch.ID, db.StatusProcessing)
	var (
		res  *gorm.DB
		cerr *ChunkError
	)
	if runErr != nil {
		cerr = &ChunkError{UploadID: up.ID, Number: ch.ChunkNumber, Err: runErr}
		log.Error().Err(cerr).Msg("chunk failed")
		res = finish.Updates(map[string]any{
			"status":          db.StatusFailed,
			"error_details":   runErr.Error(),
			"records_failed":  ch.RowCount,
			"completed_at":    done,
			"processing_secs": secs,
		})
	} else {
		res = finish.Updates(map[string]any{
			"status":          db.StatusCompleted,
			"rows_processed":  ch.RowCount,
			"records_created": counts.Created,
			"records_updated": counts.Updated,
			"records_failed":  counts.Skipped,
			"completed_at":    done,
			"processing_secs": secs,
		})
		log.Info().Int("created", counts.Created).Int("updated", counts.Updated).Float64("secs", secs).Msg("chunk done")
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		log.Warn().Msg("chunk finished elsewhere, counters left alone")
		return nil
	}
	if cerr != nil {
		o.event(bg, up.ID, "error", cerr.Error())
	}

	err = o.db.WithContext(bg).Model(&db.Upload{}).Where("id = ?", up.ID).Updates(map[string]any{
		"processed_parts": gorm.Expr("processed_parts + ?", ch.RowCount),
		"created_count":   gorm.Expr("created_count + ?", counts.Created),
		"updated_count":   gorm.Expr("updated_count + ?", counts.Updated),
	}).Error
	if err != nil {
		log.Error().Err(err).Msg("upload counters")
	}
	o.finishIfDone(bg, up)
	o.publish(bg, up.ID)
	return nil
}

func (o *Orchestrator) runChunk(ctx context.Context, up *db.Upload, ch *db.UploadChunk) (Counts, error) {
	opts := tabular.Options{Charset: o.cfg.Charset}
	headers := []string(up.Headers)
	if len(headers) == 0 {
		a, err := tabular.Analyze(up.StoredPath, opts)
		if err != nil {
			return Counts{}, err
		}
		headers = a.Headers
	}
	r, err := tabular.Open(up.StoredPath, opts)
	if err != nil {
		return Counts{}, err
	}
	rows, err := r.ReadRange(ch.StartRow, ch.EndRow, headers)
	if err != nil {
		return Counts{}, err
	}
	return o.ProcessDataRows(ctx, up, tabular.ContextLabel(up.OriginalFilename), headers, rows)
}

// finishIfDone closes the upload once no chunk is pending or processing.
// Only the caller whose conditional update wins does the cleanup.
func (o *Orchestrator) finishIfDone(ctx context.Context, up *db.Upload) {
	type tally struct {
		Status string
		N      int
	}
	var rows []tally
	err := o.db.WithContext(ctx).Model(&db.UploadChunk{}).
		Select("status, COUNT(*) AS n").
		Where("upload_id = ?", up.ID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		o.log.Error().Err(err).Uint("upload_id", up.ID).Msg("chunk tally")
		return
	}
	total, failed := 0, 0
	for _, r := range rows {
		total += r.N
		switch r.Status {
		case db.StatusPending, db.StatusProcessing:
			return
		case db.StatusFailed:
			failed += r.N
		}
	}
	if total == 0 {
		return
	}

	status := db.StatusCompleted
	if failed == total {
		status = db.StatusFailed
	}
	res := o.db.WithContext(ctx).Model(&db.Upload{}).
		Where("id = ? AND status = ?", up.ID, db.StatusProcessing).
		Updates(map[string]any{"status": status, "completed_at": o.now()})
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}
	msg := fmt.Sprintf("finished: %d of %d chunks completed", total-failed, total)
	level := "info"
	switch {
	case failed == 0:
		o.removeStaged(up)
	case failed == total:
		level = "error"
		msg = fmt.Sprintf("all %d chunks failed; source kept for retry", total)
	default:
		level = "warn"
		msg += "; source kept for retry of failed chunks"
	}
	o.event(ctx, up.ID, level, msg)
	o.log.Info().Uint("upload_id", up.ID).Str("status", status).Int("failed_chunks", failed).Msg("upload finished")
}

// claimUpload moves a pending upload to processing. It reports false when
// another delivery of the same task already did.
func (o *Orchestrator) claimUpload(ctx context.Context, uploadID uint) (bool, error) {
	res := o.db.WithContext(ctx).Model(&db.Upload{}).
		Where("id = ? AND status = ?", uploadID, db.StatusPending).
		Update("status", db.StatusProcessing)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RetryFailedChunks puts an upload's failed chunks back to pending and
// queues them again. It returns how many chunks were requeued.
func (o *Orchestrator) RetryFailedChunks(ctx context.Context, uploadID uint) (int, error) {
	up, err := o.loadUpload(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	if up == nil {
		return 0, gorm.ErrRecordNotFound
	}
	if _, err := os.Stat(up.StoredPath); err != nil {
		return 0, fmt.Errorf("source of upload %d is no longer staged: %w", uploadID, err)
	}

	var failed []db.UploadChunk
	tx := o.db.WithContext(ctx).Begin()
	defer tx.Rollback()
	if err := tx.Where("upload_id = ? AND status = ?", uploadID, db.StatusFailed).Order("chunk_number").Find(&failed).Error; err != nil {
		return 0, err
	}
	if len(failed) == 0 {
		return 0, ErrNothingToRetry
	}
	ids := make([]uint, len(failed))
	rows := 0
	for i, c := range failed {
		ids[i] = c.ID
		rows += c.RowCount
	}
	err = tx.Model(&db.UploadChunk{}).Where("id IN ?", ids).Updates(map[string]any{
		"status":          db.StatusPending,
		"error_details":   "",
		"rows_processed":  0,
		"records_created": 0,
		"records_updated": 0,
		"records_failed":  0,
		"started_at":      nil,
		"completed_at":    nil,
		"processing_secs": 0,
	}).Error
	if err != nil {
		return 0, err
	}
	err = tx.Model(&db.Upload{}).Where("id = ?", uploadID).Updates(map[string]any{
		"status":          db.StatusProcessing,
		"completed_at":    nil,
		"processed_parts": gorm.Expr("processed_parts - ?", rows),
	}).Error
	if err != nil {
		return 0, err
	}
	if err := tx.Commit().Error; err != nil {
		return 0, err
	}

	for i := range failed {
		failed[i].Status = db.StatusPending
	}
	if err := o.enqueueChunks(ctx, failed, db.StatusPending); err != nil {
		return 0, err
	}
	o.event(ctx, uploadID, "info", fmt.Sprintf("retrying %d failed chunks", len(failed)))
	o.publish(ctx, uploadID)
	return len(failed), nil
}

// RequeueStalled hands an upload's unfinished work back to the queue:
// chunks stuck in processing return to pending and every pending chunk is
// queued again. An upload that never got planned is queued from the start.
func (o *Orchestrator) RequeueStalled(ctx context.Context, uploadID uint) (int, error) {
	up, err := o.loadUpload(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	if up == nil {
		return 0, gorm.ErrRecordNotFound
	}
	if terminal(up.Status) {
		return 0, nil
	}
	chunks, err := db.ChunksFor(ctx, o.db, uploadID)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		if up.Method != db.MethodChunked {
			return 0, fmt.Errorf("upload %d was processed inline and cannot be requeued", uploadID)
		}
		task := TaskAnalyze
		if up.Kind == string(tabular.KindArchive) {
			task = TaskArchive
		}
		if err := db.MarkUpload(ctx, o.db, up.ID, db.StatusPending); err != nil {
			return 0, err
		}
		return 1, o.tasks.Enqueue(ctx, task, uploadPayload{UploadID: up.ID})
	}

	err = o.db.WithContext(ctx).Model(&db.UploadChunk{}).
		Where("upload_id = ? AND status = ?", uploadID, db.StatusProcessing).
		Updates(map[string]any{"status": db.StatusPending, "started_at": nil}).Error
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range chunks {
		if chunks[i].Status == db.StatusProcessing {
			chunks[i].Status = db.StatusPending
		}
		if chunks[i].Status == db.StatusPending {
			n++
		}
	}
	if n == 0 {
		// every chunk is terminal but finalisation never landed
		o.finishIfDone(ctx, up)
		return 0, nil
	}
	if err := o.enqueueChunks(ctx, chunks, db.StatusPending); err != nil {
		return 0, err
	}
	return n, nil
}
