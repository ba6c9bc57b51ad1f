// Package queue is a visibility-timeout task queue stored in the application
// database (table ingest_tasks).
//
// A claimed task stays invisible for the visibility timeout. Ack deletes it;
// a worker that dies without acking lets it reappear, so delivery is
// at-least-once and handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/db"
)

// Dispatcher is the fire-and-forget side used by producers.
type Dispatcher interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

type Options struct {
	Visibility time.Duration
}

type Queue struct {
	db   *gorm.DB
	opts Options
	now  func() time.Time
}

func New(gdb *gorm.DB, opts Options) *Queue {
	if opts.Visibility <= 0 {
		opts.Visibility = 10 * time.Minute
	}
	return &Queue{db: gdb, opts: opts, now: time.Now}
}

// Enqueue stores a task that is visible immediately.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	t := db.Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		PayloadJSON: string(raw),
		VisibleAt:   q.now(),
	}
	if err := q.db.WithContext(ctx).Create(&t).Error; err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

// Claim hides the oldest visible task and returns it, or nil when the queue
// has nothing visible. attempts doubles as a version column so concurrent
// claimers race safely on every driver.
func (q *Queue) Claim(ctx context.Context) (*db.Task, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := q.now()
		var t db.Task
		res := q.db.WithContext(ctx).
			Where("visible_at <= ?", now).
			Order("visible_at ASC").
			Limit(1).
			Find(&t)
		if res.Error != nil {
			return nil, fmt.Errorf("claim: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
		hideUntil := now.Add(q.opts.Visibility)
		upd := q.db.WithContext(ctx).Model(&db.Task{}).
			Where("id = ? AND attempts = ? AND visible_at <= ?", t.ID, t.Attempts, now).
			Updates(map[string]any{
				"visible_at": hideUntil,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if upd.Error != nil {
			return nil, fmt.Errorf("claim %s: %w", t.ID, upd.Error)
		}
		if upd.RowsAffected == 1 {
			t.VisibleAt = hideUntil
			t.Attempts++
			return &t, nil
		}
		// another consumer won this one
	}
	return nil, nil
}

// Ack removes a finished task.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.db.WithContext(ctx).Delete(&db.Task{}, "id = ?", id).Error
}

// Nack makes the task visible again after delay and records why it failed.
func (q *Queue) Nack(ctx context.Context, id string, cause error, delay time.Duration) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.db.WithContext(ctx).Model(&db.Task{}).Where("id = ?", id).
		Updates(map[string]any{"visible_at": q.now().Add(delay), "last_error": msg}).Error
}

// Len counts queued tasks, visible or not.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&db.Task{}).Count(&n).Error
	return n, err
}

// Decode unmarshals a task payload into v.
func Decode(t *db.Task, v any) error {
	if t == nil {
		return errors.New("nil task")
	}
	if err := json.Unmarshal([]byte(t.PayloadJSON), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Kind, err)
	}
	return nil
}
