// Package chunkplan splits an upload's data rows into fixed-size row ranges
// and stores them as chunk descriptors.
package chunkplan

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/db"
)

const DefaultChunkSize = 250

// Range is one chunk's absolute row span; row 1 is the header.
type Range struct {
	Number   int
	StartRow int
	EndRow   int
}

func (r Range) Rows() int { return r.EndRow - r.StartRow + 1 }

// Ranges partitions rows [2, totalDataRows+1] into consecutive ranges of
// chunkSize rows. The last range may be shorter.
func Ranges(totalDataRows, chunkSize int) []Range {
	if totalDataRows <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	last := totalDataRows + 1
	out := make([]Range, 0, (totalDataRows+chunkSize-1)/chunkSize)
	for start, n := 2, 1; start <= last; start, n = start+chunkSize, n+1 {
		end := start + chunkSize - 1
		if end > last {
			end = last
		}
		out = append(out, Range{Number: n, StartRow: start, EndRow: end})
	}
	return out
}

// SizeForFile picks a chunk size from the file size: bigger files get bigger
// chunks so the number of queued tasks stays manageable.
func SizeForFile(sizeBytes int64) int {
	const mib = 1024 * 1024
	switch {
	case sizeBytes <= 10*mib:
		return DefaultChunkSize
	case sizeBytes <= 50*mib:
		return 500
	default:
		return 1000
	}
}

// Plan persists one pending chunk per range in a single batch insert and
// returns them in chunk order.
func Plan(ctx context.Context, gdb *gorm.DB, uploadID uint, totalDataRows, chunkSize int) ([]db.UploadChunk, error) {
	ranges := Ranges(totalDataRows, chunkSize)
	if len(ranges) == 0 {
		return nil, fmt.Errorf("plan upload %d: no data rows", uploadID)
	}
	chunks := make([]db.UploadChunk, len(ranges))
	for i, r := range ranges {
		chunks[i] = db.UploadChunk{
			UploadID:    uploadID,
			ChunkNumber: r.Number,
			StartRow:    r.StartRow,
			EndRow:      r.EndRow,
			RowCount:    r.Rows(),
			Status:      db.StatusPending,
		}
	}
	if err := gdb.WithContext(ctx).CreateInBatches(&chunks, 500).Error; err != nil {
		return nil, fmt.Errorf("plan upload %d: insert chunks: %w", uploadID, err)
	}
	return chunks, nil
}
