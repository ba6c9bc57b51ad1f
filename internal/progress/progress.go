// Package progress reports how far an upload has got and finds uploads that
// stopped moving.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/cache"
	"github.com/bartek5186/partsync/internal/db"
)

const (
	pollTTL    = 30 * time.Second
	publishTTL = 5 * time.Minute
)

// ErrNotFound is returned for unknown upload ids.
var ErrNotFound = errors.New("progress: upload not found")

type ChunkCounts struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
	Pending    int `json:"pending"`
}

type ChunkDetail struct {
	Number         int        `json:"chunk_number"`
	StartRow       int        `json:"start_row"`
	EndRow         int        `json:"end_row"`
	Status         string     `json:"status"`
	RowsProcessed  int        `json:"rows_processed"`
	RecordsCreated int        `json:"records_created"`
	RecordsUpdated int        `json:"records_updated"`
	RecordsFailed  int        `json:"records_failed"`
	ProcessingSecs float64    `json:"processing_time"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	ErrorDetails   string     `json:"error_details,omitempty"`
}

type Event struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is the progress of one upload as served to polling clients.
type Snapshot struct {
	UploadID         uint          `json:"upload_id"`
	Filename         string        `json:"filename"`
	Status           string        `json:"status"`
	Method           string        `json:"processing_method"`
	Chunked          bool          `json:"chunked"`
	TotalParts       int           `json:"total_parts"`
	ProcessedParts   int           `json:"processed_parts"`
	Percentage       float64       `json:"percentage"`
	Chunks           *ChunkCounts  `json:"chunks,omitempty"`
	AvgChunkSecs     *float64      `json:"avg_chunk_time"`
	ETA              *string       `json:"estimated_time_remaining"`
	ThroughputPerMin *float64      `json:"chunks_per_minute"`
	RowsCreated      int           `json:"records_created"`
	RowsUpdated      int           `json:"records_updated"`
	RowsFailed       int           `json:"records_failed"`
	ChunkDetails     []ChunkDetail `json:"chunk_details,omitempty"`
	RecentEvents     []Event       `json:"recent_events,omitempty"`
	SubmittedAt      time.Time     `json:"submitted_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	CompletedAt      *time.Time    `json:"completed_at"`
}

type Aggregator struct {
	log   zerolog.Logger
	db    *gorm.DB
	cache *cache.Remembering
	now   func() time.Time
}

func New(log zerolog.Logger, gdb *gorm.DB, c *cache.Remembering) *Aggregator {
	return &Aggregator{
		log:   log.With().Str("component", "progress").Logger(),
		db:    gdb,
		cache: c,
		now:   time.Now,
	}
}

func cacheKey(uploadID uint) string {
	return fmt.Sprintf("upload_progress_%d", uploadID)
}

// GetProgress serves the snapshot from the 30 second read-through cache
// unless fresh is set.
func (a *Aggregator) GetProgress(ctx context.Context, uploadID uint, fresh bool) (*Snapshot, error) {
	if fresh || a.cache == nil {
		return a.compute(ctx, uploadID)
	}
	raw, err := a.cache.Remember(ctx, cacheKey(uploadID), pollTTL, func(ctx context.Context) ([]byte, error) {
		s, err := a.compute(ctx, uploadID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(s)
	})
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode cached progress: %w", err)
	}
	return &s, nil
}

// Publish recomputes the snapshot and stores it for five minutes. Called
// after chunk completion and upload state changes.
func (a *Aggregator) Publish(ctx context.Context, uploadID uint) {
	if a.cache == nil {
		return
	}
	s, err := a.compute(ctx, uploadID)
	if err != nil {
		a.log.Warn().Err(err).Uint("upload_id", uploadID).Msg("publish progress")
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, cacheKey(uploadID), raw, publishTTL); err != nil {
		a.log.Warn().Err(err).Uint("upload_id", uploadID).Msg("cache progress")
	}
}

func (a *Aggregator) compute(ctx context.Context, uploadID uint) (*Snapshot, error) {
	var up db.Upload
	err := a.db.WithContext(ctx).First(&up, uploadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, uploadID)
	}
	if err != nil {
		return nil, err
	}
	chunks, err := db.ChunksFor(ctx, a.db, uploadID)
	if err != nil {
		return nil, err
	}
	var events []db.UploadEvent
	err = a.db.WithContext(ctx).Where("upload_id = ?", uploadID).Order("id DESC").Limit(10).Find(&events).Error
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		UploadID:       up.ID,
		Filename:       up.OriginalFilename,
		Status:         up.Status,
		Method:         up.Method,
		TotalParts:     up.TotalParts,
		ProcessedParts: up.ProcessedParts,
		SubmittedAt:    up.SubmittedAt,
		UpdatedAt:      up.UpdatedAt,
		CompletedAt:    up.CompletedAt,
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		s.RecentEvents = append(s.RecentEvents, Event{Level: e.Level, Message: e.Message, At: e.CreatedAt})
	}

	if len(chunks) == 0 {
		s.RowsCreated = up.CreatedCount
		s.RowsUpdated = up.UpdatedCount
		if up.TotalParts > 0 {
			s.Percentage = round(float64(up.ProcessedParts)/float64(up.TotalParts)*100, 1)
		}
		return s, nil
	}
	fillChunked(s, chunks)
	return s, nil
}

// fillChunked derives percentage, timing and throughput from chunk rows.
// Failed chunks count as done.
func fillChunked(s *Snapshot, chunks []db.UploadChunk) {
	s.Chunked = true
	c := &ChunkCounts{Total: len(chunks)}
	var secs float64
	var first, last *time.Time
	for _, ch := range chunks {
		switch ch.Status {
		case db.StatusCompleted:
			c.Completed++
			secs += ch.ProcessingSecs
		case db.StatusFailed:
			c.Failed++
		case db.StatusProcessing:
			c.Processing++
		default:
			c.Pending++
		}
		s.RowsCreated += ch.RecordsCreated
		s.RowsUpdated += ch.RecordsUpdated
		s.RowsFailed += ch.RecordsFailed
		if ch.StartedAt != nil && (first == nil || ch.StartedAt.Before(*first)) {
			first = ch.StartedAt
		}
		if ch.CompletedAt != nil && (last == nil || ch.CompletedAt.After(*last)) {
			last = ch.CompletedAt
		}
		s.ChunkDetails = append(s.ChunkDetails, ChunkDetail{
			Number:         ch.ChunkNumber,
			StartRow:       ch.StartRow,
			EndRow:         ch.EndRow,
			Status:         ch.Status,
			RowsProcessed:  ch.RowsProcessed,
			RecordsCreated: ch.RecordsCreated,
			RecordsUpdated: ch.RecordsUpdated,
			RecordsFailed:  ch.RecordsFailed,
			ProcessingSecs: ch.ProcessingSecs,
			StartedAt:      ch.StartedAt,
			CompletedAt:    ch.CompletedAt,
			ErrorDetails:   ch.ErrorDetails,
		})
	}
	s.Chunks = c
	s.Percentage = round(float64(c.Completed+c.Failed)/float64(c.Total)*100, 1)

	if c.Completed > 0 {
		avg := round(secs/float64(c.Completed), 2)
		s.AvgChunkSecs = &avg
		if remaining := c.Processing + c.Pending; remaining > 0 {
			eta := FormatETA(avg * float64(remaining))
			s.ETA = &eta
		}
	}
	if first != nil && last != nil {
		if minutes := int(last.Sub(*first).Minutes()); minutes > 0 {
			tp := round(float64(c.Completed)/float64(minutes), 2)
			s.ThroughputPerMin = &tp
		}
	}
}

// FormatETA renders seconds as "Ns", "Nm" or "NhMm". Rounding carries into
// the next unit, so 59.6s is "1m" and 7199s is "2h0m".
func FormatETA(secs float64) string {
	if s := int(math.Round(secs)); s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	m := int(math.Round(secs / 60))
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%dm", m/60, m%60)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
