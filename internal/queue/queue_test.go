package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartek5186/partsync/internal/db"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	h, err := db.OpenAt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	require.NoError(t, h.Migrate())
	return New(h.DB, Options{Visibility: time.Minute})
}

type chunkPayload struct {
	ChunkID uint `json:"chunk_id"`
}

func TestClaimAckLifecycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "chunk.process", chunkPayload{ChunkID: 7}))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	task, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "chunk.process", task.Kind)
	assert.Equal(t, 1, task.Attempts)

	var p chunkPayload
	require.NoError(t, Decode(task, &p))
	assert.EqualValues(t, 7, p.ChunkID)

	again, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "claimed task is invisible")

	require.NoError(t, q.Ack(ctx, task.ID))
	n, _ = q.Len(ctx)
	assert.EqualValues(t, 0, n)
}

func TestUnackedTaskReappearsAfterVisibility(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	base := time.Now()
	q.now = func() time.Time { return base }

	require.NoError(t, q.Enqueue(ctx, "upload.analyze", map[string]uint{"upload_id": 1}))
	first, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	q.now = func() time.Time { return base.Add(2 * time.Minute) }
	second, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
}

func TestNackRecordsError(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "archive.process", map[string]uint{"upload_id": 3}))
	task, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, task.ID, errors.New("db locked"), 0))

	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "db locked", again.LastError)
}
