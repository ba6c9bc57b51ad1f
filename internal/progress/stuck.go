package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bartek5186/partsync/internal/db"
)

const (
	stuckAfter     = 2 * time.Hour
	chunkQuietTime = 30 * time.Minute
)

// Stuck policies.
const (
	PolicyReport  = "report"
	PolicyFail    = "fail"
	PolicyRequeue = "requeue"
)

type StuckUpload struct {
	UploadID          uint       `json:"upload_id"`
	Filename          string     `json:"filename"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastChunkActivity *time.Time `json:"last_chunk_activity"`
	PendingChunks     int        `json:"pending_chunks"`
	ProcessingChunks  int        `json:"processing_chunks"`
}

// Requeuer puts the unfinished work of an upload back on the queue.
type Requeuer interface {
	RequeueStalled(ctx context.Context, uploadID uint) (int, error)
}

// CheckStuckUploads lists processing uploads untouched for two hours whose
// chunks have shown no activity for thirty minutes. It changes nothing.
func (a *Aggregator) CheckStuckUploads(ctx context.Context) ([]StuckUpload, error) {
	now := a.now()
	var ups []db.Upload
	err := a.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", db.StatusProcessing, now.Add(-stuckAfter)).
		Where("NOT EXISTS (SELECT 1 FROM upload_chunks c WHERE c.upload_id = uploads.id AND c.updated_at >= ?)", now.Add(-chunkQuietTime)).
		Order("id ASC").
		Find(&ups).Error
	if err != nil {
		return nil, fmt.Errorf("stuck uploads: %w", err)
	}

	out := make([]StuckUpload, 0, len(ups))
	for _, up := range ups {
		su := StuckUpload{UploadID: up.ID, Filename: up.OriginalFilename, UpdatedAt: up.UpdatedAt}
		chunks, err := db.ChunksFor(ctx, a.db, up.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			switch c.Status {
			case db.StatusPending:
				su.PendingChunks++
			case db.StatusProcessing:
				su.ProcessingChunks++
			}
			if su.LastChunkActivity == nil || c.UpdatedAt.After(*su.LastChunkActivity) {
				t := c.UpdatedAt
				su.LastChunkActivity = &t
			}
		}
		out = append(out, su)
	}
	if len(out) > 0 {
		a.log.Warn().Int("count", len(out)).Msg("stuck uploads detected")
	}
	return out, nil
}

// ApplyStuckPolicy acts on the result of CheckStuckUploads. "report" only
// logs; "fail" marks the uploads failed; "requeue" hands them to rq.
func (a *Aggregator) ApplyStuckPolicy(ctx context.Context, stuck []StuckUpload, policy string, rq Requeuer) error {
	switch policy {
	case "", PolicyReport:
		for _, s := range stuck {
			a.log.Warn().Uint("upload_id", s.UploadID).Str("file", s.Filename).Time("updated_at", s.UpdatedAt).Msg("upload stuck")
		}
		return nil
	case PolicyFail, PolicyRequeue:
	default:
		return fmt.Errorf("unknown stuck policy %q", policy)
	}
	if policy == PolicyRequeue && rq == nil {
		return errors.New("requeue policy needs a requeuer")
	}

	var errs []error
	for _, s := range stuck {
		log := a.log.With().Uint("upload_id", s.UploadID).Str("policy", policy).Logger()
		var msg string
		if policy == PolicyFail {
			if err := db.MarkUpload(ctx, a.db, s.UploadID, db.StatusFailed); err != nil {
				errs = append(errs, fmt.Errorf("fail upload %d: %w", s.UploadID, err))
				continue
			}
			msg = "marked failed: no progress for over two hours"
		} else {
			n, err := rq.RequeueStalled(ctx, s.UploadID)
			if err != nil {
				errs = append(errs, fmt.Errorf("requeue upload %d: %w", s.UploadID, err))
				continue
			}
			msg = fmt.Sprintf("stalled upload requeued (%d tasks)", n)
		}
		if err := db.AppendEvent(ctx, a.db, s.UploadID, "warn", msg); err != nil {
			log.Warn().Err(err).Msg("append event")
		}
		log.Warn().Msg(msg)
		a.Publish(ctx, s.UploadID)
	}
	return errors.Join(errs...)
}
