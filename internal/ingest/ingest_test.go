package ingest

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/blob"
	"github.com/bartek5186/partsync/internal/db"
	"github.com/bartek5186/partsync/internal/images"
	"github.com/bartek5186/partsync/internal/queue"
	"github.com/bartek5186/partsync/internal/tabular"
	"github.com/bartek5186/partsync/internal/worker"
)

const partsCSV = "part_number,description,manufacturer,img_page_path,color\n" +
	"A100,Widget,Acme,a100.jpg,red\n" +
	"A200,Gadget,Acme,,blue\n" +
	"A300,Gizmo,Acme,,\n"

type harness struct {
	db    *gorm.DB
	q     *queue.Queue
	pool  *worker.Pool
	o     *Orchestrator
	store *blob.Local
	dir   string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h, err := db.OpenAt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	require.NoError(t, h.Migrate())

	store, err := blob.NewLocal(zerolog.Nop(), t.TempDir(), "http://media.test")
	require.NoError(t, err)
	matcher := images.NewMatcher(zerolog.Nop(), h.DB, images.NewUploader(zerolog.Nop(), h.DB, store), 2)

	if cfg.StagingDir == "" {
		cfg.StagingDir = t.TempDir()
	}
	q := queue.New(h.DB, queue.Options{})
	o := New(zerolog.Nop(), h.DB, q, matcher, nil, cfg)
	pool := worker.New(zerolog.Nop(), q, worker.Options{Workers: 1})
	o.Register(pool)
	return &harness{db: h.DB, q: q, pool: pool, o: o, store: store, dir: t.TempDir()}
}

func (h *harness) write(t *testing.T, name, body string) Incoming {
	t.Helper()
	p := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return Incoming{Path: p, OriginalName: name}
}

// drain runs queued tasks until the queue is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100 && h.pool.RunOnce(context.Background(), zerolog.Nop()); i++ {
	}
}

func (h *harness) upload(t *testing.T, id uint) db.Upload {
	t.Helper()
	var up db.Upload
	require.NoError(t, h.db.First(&up, id).Error)
	return up
}

func (h *harness) fields(t *testing.T, code, contextLabel string) map[string]string {
	t.Helper()
	var p db.Part
	require.NoError(t, h.db.
		Joins("JOIN part_fields c ON c.part_id = parts.id AND c.field_name = ? AND c.field_value = ?", db.FieldContext, contextLabel).
		Where("parts.part_number = ?", code).First(&p).Error)
	fs, err := db.FieldsFor(context.Background(), h.db, p.ID)
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range fs {
		out[f.FieldName] = f.FieldValue
	}
	return out
}

func countParts(t *testing.T, gdb *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, gdb.Model(&db.Part{}).Count(&n).Error)
	return n
}

func TestProcessUploadInline(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	res, err := h.o.ProcessUpload(ctx, h.write(t, "ctx1.csv", partsCSV))
	require.NoError(t, err)
	assert.Equal(t, db.MethodStandard, res.Method)
	assert.Equal(t, Counts{Touched: 3, Created: 3}, res.Counts)

	up := h.upload(t, res.UploadID)
	assert.Equal(t, db.StatusCompleted, up.Status)
	assert.Equal(t, 3, up.TotalParts)
	assert.Equal(t, 3, up.ProcessedParts)
	assert.NotNil(t, up.CompletedAt)
	assert.NoDirExists(t, filepath.Dir(up.StoredPath), "staged copy removed")

	f := h.fields(t, "A100", "ctx1")
	assert.Equal(t, "red", f["color"])
	assert.Equal(t, "a100.jpg", f[db.FieldImageFilename])
	assert.Equal(t, "ctx1", f[db.FieldContext])
	assert.NotContains(t, f, "part_number")

	events, err := db.Events(ctx, h.db, up.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestReingestIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.o.ProcessUpload(ctx, h.write(t, "ctx1.csv", partsCSV))
	require.NoError(t, err)

	changed := "part_number,description,manufacturer,img_page_path,size\n" +
		"A100,Widget v2,Acme,a100.jpg,XL\n" +
		"A200,Gadget,Acme,,\n" +
		"A300,Gizmo,Acme,,\n"
	res, err := h.o.ProcessUpload(ctx, h.write(t, "ctx1.csv", changed))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Counts.Created)
	assert.Equal(t, 3, res.Counts.Updated)
	assert.EqualValues(t, 3, countParts(t, h.db))

	f := h.fields(t, "A100", "ctx1")
	assert.Equal(t, "XL", f["size"])
	assert.NotContains(t, f, "color", "stale additional fields are replaced")
	assert.Equal(t, "a100.jpg", f[db.FieldImageFilename])

	var ctxFields int64
	require.NoError(t, h.db.Model(&db.PartField{}).Where("field_name = ?", db.FieldContext).Count(&ctxFields).Error)
	assert.EqualValues(t, 3, ctxFields)
}

func TestContextsKeepPartsApart(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.o.ProcessUpload(ctx, h.write(t, "ctx1.csv", partsCSV))
	require.NoError(t, err)
	res, err := h.o.ProcessUpload(ctx, h.write(t, "ctx2.csv", partsCSV))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Counts.Created)
	assert.EqualValues(t, 6, countParts(t, h.db))
}

func TestRowsWithoutPartNumberAreSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	body := "part_number,description\nA100,Widget\n,orphan\n"
	res, err := h.o.ProcessUpload(context.Background(), h.write(t, "ctx1.csv", body))
	require.NoError(t, err)
	assert.Equal(t, Counts{Touched: 1, Created: 1, Skipped: 1}, res.Counts)
}

func TestUnsupportedFileIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.o.ProcessUpload(context.Background(), h.write(t, "notes.txt", "hello"))
	assert.ErrorIs(t, err, ErrUnsupported)

	var n int64
	require.NoError(t, h.db.Model(&db.Upload{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestDecidePolicy(t *testing.T) {
	h := newHarness(t, Config{RowThreshold: 2, SizeThreshold: 1024})

	in := h.write(t, "small.csv", "part_number\nA1\nA2\n")
	chunked, _, a := h.o.decide(in.Path, 20)
	assert.False(t, chunked)
	require.NotNil(t, a)
	assert.Equal(t, 2, a.TotalDataRows)

	in = h.write(t, "rows.csv", "part_number\nA1\nA2\nA3\n")
	chunked, _, _ = h.o.decide(in.Path, 20)
	assert.True(t, chunked)

	chunked, reason, _ := h.o.decide(in.Path, 4096)
	assert.True(t, chunked)
	assert.Contains(t, reason, "size")

	chunked, _, _ = h.o.decide(filepath.Join(h.dir, "missing.csv"), 10)
	assert.True(t, chunked, "failed probe falls back to chunking")
}

const fiveRows = "part_number,description,manufacturer\n" +
	"A1,One,Acme\nA2,Two,Acme\nA3,Three,Acme\nA4,Four,Acme\nA5,Five,Acme\n"

func TestChunkedUpload(t *testing.T) {
	h := newHarness(t, Config{RowThreshold: 2, ChunkSize: 2})
	ctx := context.Background()

	res, err := h.o.ProcessUpload(ctx, h.write(t, "big.csv", fiveRows))
	require.NoError(t, err)
	assert.Equal(t, db.MethodChunked, res.Method)
	assert.Equal(t, db.StatusPending, h.upload(t, res.UploadID).Status)

	h.drain(t)

	up := h.upload(t, res.UploadID)
	assert.Equal(t, db.StatusCompleted, up.Status)
	assert.Equal(t, 5, up.TotalParts)
	assert.Equal(t, 5, up.ProcessedParts)
	assert.Equal(t, 5, up.CreatedCount)
	assert.Equal(t, []string{"part_number", "description", "manufacturer"}, []string(up.Headers))

	chunks, err := db.ChunksFor(ctx, h.db, up.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, db.StatusCompleted, c.Status)
		assert.Equal(t, c.RowCount, c.RowsProcessed)
	}
	assert.Equal(t, 6, chunks[2].StartRow)
	assert.Equal(t, 6, chunks[2].EndRow)
	assert.EqualValues(t, 5, countParts(t, h.db))
	assert.NoFileExists(t, up.StoredPath)

	n, err := h.q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChunkFailureIsIsolatedAndRetried(t *testing.T) {
	h := newHarness(t, Config{RowThreshold: 2, ChunkSize: 2})
	ctx := context.Background()

	res, err := h.o.ProcessUpload(ctx, h.write(t, "big.csv", fiveRows))
	require.NoError(t, err)
	up := h.upload(t, res.UploadID)

	// analysis plus the first chunk
	require.True(t, h.pool.RunOnce(ctx, zerolog.Nop()))
	require.True(t, h.pool.RunOnce(ctx, zerolog.Nop()))

	staged, err := os.ReadFile(up.StoredPath)
	require.NoError(t, err)
	require.NoError(t, os.Remove(up.StoredPath))
	h.drain(t)

	up = h.upload(t, res.UploadID)
	assert.Equal(t, db.StatusCompleted, up.Status, "partial failure still completes")
	assert.Equal(t, 5, up.ProcessedParts)
	chunks, err := db.ChunksFor(ctx, h.db, up.ID)
	require.NoError(t, err)
	completedRows, failed := 0, 0
	for _, c := range chunks {
		switch c.Status {
		case db.StatusCompleted:
			completedRows += c.RowCount
		case db.StatusFailed:
			failed++
			assert.NotEmpty(t, c.ErrorDetails)
			assert.Equal(t, c.RowCount, c.RecordsFailed)
		}
	}
	assert.Equal(t, 2, failed)
	assert.EqualValues(t, completedRows, countParts(t, h.db))

	require.NoError(t, os.WriteFile(up.StoredPath, staged, 0o644))
	n, err := h.o.RetryFailedChunks(ctx, up.ID)
	require.NoError(t, err)
	assert.Equal(t, failed, n)
	assert.Equal(t, db.StatusProcessing, h.upload(t, up.ID).Status)

	h.drain(t)
	up = h.upload(t, res.UploadID)
	assert.Equal(t, db.StatusCompleted, up.Status)
	assert.Equal(t, 5, up.ProcessedParts)
	assert.EqualValues(t, 5, countParts(t, h.db))

	_, err = h.o.RetryFailedChunks(ctx, up.ID)
	assert.Error(t, err)
}

func TestRetryWithoutFailures(t *testing.T) {
	h := newHarness(t, Config{RowThreshold: 2, ChunkSize: 2})
	ctx := context.Background()

	res, err := h.o.ProcessUpload(ctx, h.write(t, "big.csv", fiveRows))
	require.NoError(t, err)
	require.True(t, h.pool.RunOnce(ctx, zerolog.Nop()))

	_, err = h.o.RetryFailedChunks(ctx, res.UploadID)
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func writeJPEG(t *testing.T, w *zip.Writer, name string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	fw, err := w.Create(name)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(fw, img, nil))
}

func (h *harness) archive(t *testing.T, name string, build func(w *zip.Writer)) Incoming {
	t.Helper()
	p := filepath.Join(h.dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	build(w)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return Incoming{Path: p, OriginalName: name}
}

func addFile(t *testing.T, w *zip.Writer, name, body string) {
	t.Helper()
	fw, err := w.Create(name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(body))
	require.NoError(t, err)
}

func TestArchiveIngest(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	in := h.archive(t, "bundle.zip", func(w *zip.Writer) {
		addFile(t, w, "ctx1.csv", partsCSV)
		addFile(t, w, "sub/ctx2.csv", "part_number,description,manufacturer\nB100,Bolt,Acme\n")
		addFile(t, w, "__MACOSX/._ctx1.csv", "junk")
		addFile(t, w, "broken.xlsx", "not a workbook")
		writeJPEG(t, w, "images/a100.jpg")
		writeJPEG(t, w, "images/zzz.jpg")
	})
	res, err := h.o.ProcessUpload(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, db.MethodChunked, res.Method)

	h.drain(t)

	up := h.upload(t, res.UploadID)
	assert.Equal(t, db.StatusCompleted, up.Status)
	assert.Equal(t, 4, up.TotalParts)
	assert.Equal(t, 4, up.ProcessedParts)
	assert.Equal(t, 4, up.CreatedCount)
	assert.EqualValues(t, 4, countParts(t, h.db))
	assert.Equal(t, "ctx2", h.fields(t, "B100", "ctx2")[db.FieldContext])

	var a100 db.Part
	require.NoError(t, h.db.Where("part_number = ?", "A100").First(&a100).Error)
	assert.Equal(t, "http://media.test/parts/ctx1/a100.jpg", a100.ImageURL)
	assert.FileExists(t, filepath.Join(h.store.Root(), "parts", "ctx1", "a100.jpg"))

	events, err := db.Events(ctx, h.db, up.ID)
	require.NoError(t, err)
	var sawBroken bool
	for _, e := range events {
		if e.Level == "error" {
			sawBroken = true
			assert.Contains(t, e.Message, "broken.xlsx")
		}
	}
	assert.True(t, sawBroken)
}

func TestArchiveWithoutSpreadsheetFails(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	in := h.archive(t, "pics.zip", func(w *zip.Writer) {
		writeJPEG(t, w, "a100.jpg")
	})
	res, err := h.o.ProcessUpload(ctx, in)
	require.NoError(t, err)
	h.drain(t)

	up := h.upload(t, res.UploadID)
	assert.Equal(t, db.StatusFailed, up.Status)
	assert.NoFileExists(t, up.StoredPath)
}

func TestCorruptArchiveFails(t *testing.T) {
	h := newHarness(t, Config{})
	res, err := h.o.ProcessUpload(context.Background(), h.write(t, "bad.zip", "PK not really"))
	require.NoError(t, err)
	h.drain(t)
	assert.Equal(t, db.StatusFailed, h.upload(t, res.UploadID).Status)
}

func TestExtractZipRejectsEscapingPaths(t *testing.T) {
	h := newHarness(t, Config{})
	in := h.archive(t, "evil.zip", func(w *zip.Writer) {
		addFile(t, w, "../outside.csv", "part_number\nA1\n")
	})
	err := extractZip(in.Path, t.TempDir())
	assert.Error(t, err)
}

func TestRequeueStalled(t *testing.T) {
	h := newHarness(t, Config{RowThreshold: 2, ChunkSize: 2})
	ctx := context.Background()

	res, err := h.o.ProcessUpload(ctx, h.write(t, "big.csv", fiveRows))
	require.NoError(t, err)
	require.True(t, h.pool.RunOnce(ctx, zerolog.Nop()))

	// simulate a worker that died mid-chunk and lost its tasks
	require.NoError(t, h.db.Where("1 = 1").Delete(&db.Task{}).Error)
	require.NoError(t, h.db.Model(&db.UploadChunk{}).Where("upload_id = ? AND chunk_number = 1", res.UploadID).
		Update("status", db.StatusProcessing).Error)

	n, err := h.o.RequeueStalled(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	h.drain(t)
	up := h.upload(t, res.UploadID)
	assert.Equal(t, db.StatusCompleted, up.Status)
	assert.EqualValues(t, 5, countParts(t, h.db))

	n, err = h.o.RequeueStalled(ctx, res.UploadID)
	require.NoError(t, err)
	assert.Zero(t, n, "finished uploads are left alone")
}

// queuedTask returns a copy of the only queued task of kind, as a second
// delivery of it would look.
func (h *harness) queuedTask(t *testing.T, kind string) db.Task {
	t.Helper()
	var tasks []db.Task
	require.NoError(t, h.db.Where("kind = ?", kind).Find(&tasks).Error)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func TestRedeliveredAnalyzeDoesNotQueueChunksTwice(t *testing.T) {
	h := newHarness(t, Config{RowThreshold: 2, ChunkSize: 2})
	ctx := context.Background()

	res, err := h.o.ProcessUpload(ctx, h.write(t, "big.csv", fiveRows))
	require.NoError(t, err)
	again := h.queuedTask(t, TaskAnalyze)
	require.True(t, h.pool.RunOnce(ctx, zerolog.Nop()))

	n, err := h.q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	require.NoError(t, h.o.HandleAnalyze(ctx, &again))
	n, err = h.q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	h.drain(t)
	up := h.upload(t, res.UploadID)
	assert.Equal(t, db.StatusCompleted, up.Status)
	assert.Equal(t, 5, up.ProcessedParts)
}

func TestChunkHeldElsewhereIsNotProcessedTwice(t *testing.T) {
	h := newHarness(t, Config{RowThreshold: 2, ChunkSize: 2})
	ctx := context.Background()

	res, err := h.o.ProcessUpload(ctx, h.write(t, "big.csv", fiveRows))
	require.NoError(t, err)
	require.True(t, h.pool.RunOnce(ctx, zerolog.Nop()))

	chunks, err := db.ChunksFor(ctx, h.db, res.UploadID)
	require.NoError(t, err)
	first := chunks[0]
	again := db.Task{ID: "second-delivery", Kind: TaskChunk, PayloadJSON: fmt.Sprintf(`{"chunk_id":%d}`, first.ID)}

	// another worker holds chunk 1
	require.NoError(t, h.db.Model(&db.UploadChunk{}).Where("id = ?", first.ID).Update("status", db.StatusProcessing).Error)
	require.NoError(t, h.o.HandleChunk(ctx, &again))

	var held db.UploadChunk
	require.NoError(t, h.db.First(&held, first.ID).Error)
	assert.Equal(t, db.StatusProcessing, held.Status)
	assert.Zero(t, held.RowsProcessed)
	assert.Zero(t, h.upload(t, res.UploadID).ProcessedParts)

	// the holder finishes its run
	require.NoError(t, h.db.Model(&db.UploadChunk{}).Where("id = ?", first.ID).Update("status", db.StatusPending).Error)
	h.drain(t)

	// a late delivery after completion changes nothing
	require.NoError(t, h.o.HandleChunk(ctx, &again))

	up := h.upload(t, res.UploadID)
	assert.Equal(t, db.StatusCompleted, up.Status)
	assert.Equal(t, up.TotalParts, up.ProcessedParts)
	assert.Equal(t, 5, up.ProcessedParts)
	assert.Equal(t, 5, up.CreatedCount)
}

func TestRedeliveredArchiveIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	res, err := h.o.ProcessUpload(ctx, h.archive(t, "bundle.zip", func(w *zip.Writer) {
		addFile(t, w, "ctx1.csv", partsCSV)
	}))
	require.NoError(t, err)
	again := h.queuedTask(t, TaskArchive)

	// first delivery still running on another worker
	require.NoError(t, db.MarkUpload(ctx, h.db, res.UploadID, db.StatusProcessing))
	require.NoError(t, h.o.HandleArchive(ctx, &again))
	assert.Zero(t, h.upload(t, res.UploadID).ProcessedParts)
	assert.Zero(t, countParts(t, h.db))

	require.NoError(t, db.MarkUpload(ctx, h.db, res.UploadID, db.StatusPending))
	h.drain(t)

	up := h.upload(t, res.UploadID)
	assert.Equal(t, db.StatusCompleted, up.Status)
	assert.Equal(t, 3, up.TotalParts)
	assert.Equal(t, 3, up.ProcessedParts)
}

func TestFailedInsertRollsBackWholeFile(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	inserts := 0
	err := h.db.Callback().Create().Before("gorm:create").Register("test:fail_second_part", func(tx *gorm.DB) {
		if tx.Statement.Table != "parts" {
			return
		}
		inserts++
		if inserts == 2 {
			tx.AddError(errors.New("disk full"))
		}
	})
	require.NoError(t, err)

	up := db.Upload{OriginalFilename: "ctx1.csv", Status: db.StatusProcessing, BatchID: "b-1"}
	require.NoError(t, h.db.Create(&up).Error)

	headers := []string{"part_number", "description", "manufacturer", "color"}
	rows := []tabular.Row{
		{Number: 2, Cells: []string{"A100", "Widget", "Acme", "red"}},
		{Number: 3, Cells: []string{"A200", "Gadget", "Acme", "blue"}},
		{Number: 4, Cells: []string{"A300", "Gizmo", "Acme", "green"}},
	}
	counts, err := h.o.ProcessDataRows(ctx, &up, "ctx1", headers, rows)

	var uerr *UpsertError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "ctx1", uerr.Context)
	assert.Equal(t, 3, uerr.Row)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, Counts{}, counts)

	assert.Zero(t, countParts(t, h.db))
	var fields int64
	require.NoError(t, h.db.Model(&db.PartField{}).Count(&fields).Error)
	assert.Zero(t, fields)
}
