package images

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/blob"
	"github.com/bartek5186/partsync/internal/db"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"ACME_80447527_front.jpg", "80447527"},
		{"img-12345-b.png", "12345"},
		{"AB12CD_v.jpg", "AB12CD"},
		{"widget_AB12CD.jpg", "widget"},
		{"x_A12_y.jpg", "A12"},
		{"12ab.webp", "12ab"},
		{"a_b.png", ""},
		{"cat.gif", "cat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractToken(tt.name))
		})
	}
}

func TestSlugAndKey(t *testing.T) {
	assert.Equal(t, "lodz-czesci-2024", Slug("Łódź  Części 2024"))
	assert.Equal(t, "a100-front", Slug("A100_front"))
	assert.Equal(t, "", Slug("__"))
	assert.Equal(t, "parts/ctx1/a100.jpg", ObjectKey("ctx1", "/tmp/x/A100.JPG"))
	assert.Equal(t, "parts/unknown/a100.png", ObjectKey("", "a100.png"))
}

type fixture struct {
	db    *gorm.DB
	store *blob.Local
	up    *Uploader
	dir   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	h, err := db.OpenAt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	require.NoError(t, h.Migrate())

	store, err := blob.NewLocal(zerolog.Nop(), t.TempDir(), "http://media.test")
	require.NoError(t, err)
	return fixture{db: h.DB, store: store, up: NewUploader(zerolog.Nop(), h.DB, store), dir: t.TempDir()}
}

func (f fixture) part(t *testing.T, code, contextLabel, imageName string) db.Part {
	t.Helper()
	p := db.Part{PartNumber: code, Manufacturer: "Acme"}
	require.NoError(t, f.db.Create(&p).Error)
	ctx := context.Background()
	if contextLabel != "" {
		require.NoError(t, db.SetField(ctx, f.db, p.ID, db.FieldContext, contextLabel))
	}
	if imageName != "" {
		require.NoError(t, db.SetField(ctx, f.db, p.ID, db.FieldImageFilename, imageName))
	}
	return p
}

func (f fixture) png(t *testing.T, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	p := filepath.Join(f.dir, name)
	out, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, png.Encode(out, img))
	require.NoError(t, out.Close())
	return p
}

func TestUploadUsesStoredContextAndReplacesOldObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.part(t, "A100", "ctx1", "")

	url, err := f.up.Upload(ctx, f.png(t, "A100.png"), "", []uint{p.ID})
	require.NoError(t, err)
	assert.Equal(t, "http://media.test/parts/ctx1/a100.png", url)

	var got db.Part
	require.NoError(t, f.db.First(&got, p.ID).Error)
	assert.Equal(t, url, got.ImageURL)
	assert.Equal(t, "parts/ctx1/a100.png", got.ImageKey)

	_, err = f.up.Upload(ctx, f.png(t, "A100-v2.png"), "", []uint{p.ID})
	require.NoError(t, err)
	ok, err := f.store.Exists(ctx, "parts/ctx1/a100.png")
	require.NoError(t, err)
	assert.False(t, ok, "previous object removed")
	ok, _ = f.store.Exists(ctx, "parts/ctx1/a100-v2.png")
	assert.True(t, ok)
}

func TestUploadKeepsObjectsOtherPartsStillUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.part(t, "A100", "ctx1", "")
	b := f.part(t, "A200", "ctx1", "")

	shared, err := f.up.Upload(ctx, f.png(t, "shared.png"), "", []uint{a.ID, b.ID})
	require.NoError(t, err)

	_, err = f.up.Upload(ctx, f.png(t, "a100.png"), "", []uint{a.ID})
	require.NoError(t, err)
	ok, err := f.store.Exists(ctx, "parts/ctx1/shared.png")
	require.NoError(t, err)
	assert.True(t, ok, "A200 still points at the shared object")

	var got db.Part
	require.NoError(t, f.db.First(&got, b.ID).Error)
	assert.Equal(t, shared, got.ImageURL)

	_, err = f.up.Upload(ctx, f.png(t, "a200.png"), "", []uint{b.ID})
	require.NoError(t, err)
	ok, err = f.store.Exists(ctx, "parts/ctx1/shared.png")
	require.NoError(t, err)
	assert.False(t, ok, "last reference gone")
}

func TestNormKey(t *testing.T) {
	assert.Equal(t, "a100", normKey("  A100 "))
	assert.Equal(t, "", normKey(" "))
}

func TestUploadRejectsNonImage(t *testing.T) {
	f := newFixture(t)
	p := f.part(t, "A100", "", "")
	bad := filepath.Join(f.dir, "a100.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))

	_, err := f.up.Upload(context.Background(), bad, "", []uint{p.ID})
	assert.ErrorIs(t, err, ErrNotImage)

	_, err = f.up.Upload(context.Background(), filepath.Join(f.dir, "missing.png"), "", []uint{p.ID})
	assert.Error(t, err)
}

func TestUploadFallsBackToUnknownContext(t *testing.T) {
	f := newFixture(t)
	p := f.part(t, "B200", "", "")
	url, err := f.up.Upload(context.Background(), f.png(t, "b200.png"), "", []uint{p.ID})
	require.NoError(t, err)
	assert.Equal(t, "http://media.test/parts/unknown/b200.png", url)
}

func TestMatchAndUploadHeuristics(t *testing.T) {
	f := newFixture(t)
	m := NewMatcher(zerolog.Nop(), f.db, f.up, 2)
	byToken := f.part(t, "80447527", "ctx1", "")
	byContains := f.part(t, "XK-9", "ctx1", "")
	_ = f.part(t, "Z999", "ctx1", "")

	res := m.MatchAndUpload(context.Background(), []db.Part{byToken, byContains},
		[]string{
			f.png(t, "ACME_80447527_front.png"),
			f.png(t, "photo of xk-9 left.png"),
			f.png(t, "nothing.png"),
		})
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, []string{"nothing.png"}, res.Unmatched)

	var got db.Part
	require.NoError(t, f.db.First(&got, byToken.ID).Error)
	assert.Equal(t, "http://media.test/parts/ctx1/acme-80447527-front.png", got.ImageURL)
}

func TestMatchContextFansOut(t *testing.T) {
	f := newFixture(t)
	m := NewMatcher(zerolog.Nop(), f.db, f.up, 2)
	a := f.part(t, "A100", "ctx1", "A100.jpg")
	b := f.part(t, "A101", "ctx1", "a100.JPG")
	other := f.part(t, "A100", "ctx2", "a100.jpg")

	img := f.png(t, "a100.jpg") // png bytes behind a jpg name still decode
	res := m.MatchContext(context.Background(), "ctx1", []string{img, f.png(t, "zzz.png")})
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, []string{"zzz.png"}, res.Unmatched)

	var parts []db.Part
	require.NoError(t, f.db.Where("id IN ?", []uint{a.ID, b.ID, other.ID}).Order("id").Find(&parts).Error)
	assert.Equal(t, "http://media.test/parts/ctx1/a100.jpg", parts[0].ImageURL)
	assert.Equal(t, "http://media.test/parts/ctx1/a100.jpg", parts[1].ImageURL)
	assert.Empty(t, parts[2].ImageURL, "other context untouched")
}
