package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned for files that are neither tabular nor archives.
	ErrUnsupported = errors.New("ingest: unsupported file type")
	// ErrNothingToRetry is returned when an upload has no failed chunks.
	ErrNothingToRetry = errors.New("ingest: no failed chunks")
)

// ChunkError is one chunk's failure; siblings are unaffected.
type ChunkError struct {
	UploadID uint
	Number   int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("upload %d chunk %d: %v", e.UploadID, e.Number, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// UpsertError means one file's (or chunk's) transaction was rolled back.
type UpsertError struct {
	Context string
	Row     int // source row being written, 0 when the commit itself failed
	Err     error
}

func (e *UpsertError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("upsert %q row %d: %v", e.Context, e.Row, e.Err)
	}
	return fmt.Sprintf("upsert %q: %v", e.Context, e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }
