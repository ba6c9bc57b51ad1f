// Package images matches loose image files to parts and pushes them to blob storage.
package images

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp"
	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/blob"
	"github.com/bartek5186/partsync/internal/db"
)

const unknownContext = "unknown"

var ErrNotImage = errors.New("images: not a decodable image")

// Uploader stores one image for a group of parts. It keeps no per-call state
// and is safe for concurrent use.
type Uploader struct {
	log   zerolog.Logger
	db    *gorm.DB
	store blob.Store
}

func NewUploader(log zerolog.Logger, gdb *gorm.DB, store blob.Store) *Uploader {
	return &Uploader{log: log.With().Str("component", "images").Logger(), db: gdb, store: store}
}

// ObjectKey is parts/{slug(context)}/{slug(name)}.{ext}.
func ObjectKey(contextLabel, filename string) string {
	base := filepath.Base(filename)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(base), "."))
	name := Slug(strings.TrimSuffix(base, filepath.Ext(base)))
	if name == "" {
		name = "image"
	}
	ctxSlug := Slug(contextLabel)
	if ctxSlug == "" {
		ctxSlug = unknownContext
	}
	key := path.Join("parts", ctxSlug, name)
	if ext != "" {
		key += "." + ext
	}
	return key
}

// Upload validates localPath, stores it under the key derived from
// contextLabel and points every part in partIDs at the resulting URL.
// An empty contextLabel falls back to the first part's stored context.
func (u *Uploader) Upload(ctx context.Context, localPath, contextLabel string, partIDs []uint) (string, error) {
	if len(partIDs) == 0 {
		return "", errors.New("images: no parts to attach")
	}
	if err := validateImage(localPath); err != nil {
		return "", err
	}
	if contextLabel == "" {
		stored, err := db.FieldValue(ctx, u.db, partIDs[0], db.FieldContext)
		if err != nil {
			u.log.Warn().Err(err).Uint("part_id", partIDs[0]).Msg("context lookup failed")
		}
		contextLabel = stored
	}
	if contextLabel == "" {
		contextLabel = unknownContext
	}
	key := ObjectKey(contextLabel, localPath)
	previous := u.previousKeys(ctx, key, partIDs)

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	err = u.store.Put(ctx, key, f, blob.PutOptions{
		ContentType:  blob.ContentTypeFor(key),
		CacheControl: blob.CacheForever,
		Public:       true,
	})
	if err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}

	url := u.store.PublicURL(key)
	err = u.db.WithContext(ctx).Model(&db.Part{}).Where("id IN ?", partIDs).
		Updates(map[string]any{"image_url": url, "image_key": key}).Error
	if err != nil {
		return "", fmt.Errorf("record image url: %w", err)
	}
	u.dropUnreferenced(ctx, previous)
	u.log.Debug().Str("key", key).Int("parts", len(partIDs)).Msg("image uploaded")
	return url, nil
}

// previousKeys lists the other object keys these parts point at now.
func (u *Uploader) previousKeys(ctx context.Context, key string, partIDs []uint) []string {
	var keys []string
	err := u.db.WithContext(ctx).Model(&db.Part{}).
		Where("id IN ? AND image_key <> '' AND image_key <> ?", partIDs, key).
		Distinct().Pluck("image_key", &keys).Error
	if err != nil {
		u.log.Warn().Err(err).Msg("previous image lookup failed")
		return nil
	}
	return keys
}

// dropUnreferenced deletes the objects no part points at any more.
func (u *Uploader) dropUnreferenced(ctx context.Context, keys []string) {
	for _, old := range keys {
		var refs int64
		if err := u.db.WithContext(ctx).Model(&db.Part{}).Where("image_key = ?", old).Count(&refs).Error; err != nil {
			u.log.Warn().Err(err).Str("key", old).Msg("image reference count failed")
			continue
		}
		if refs > 0 {
			u.log.Debug().Str("key", old).Int64("parts", refs).Msg("previous image still in use")
			continue
		}
		ok, err := u.store.Exists(ctx, old)
		if err != nil {
			u.log.Warn().Err(err).Str("key", old).Msg("previous image lookup failed")
			continue
		}
		if !ok {
			continue
		}
		if err := u.store.Delete(ctx, old); err != nil {
			u.log.Warn().Err(err).Str("key", old).Msg("previous image delete failed")
		}
	}
}

func validateImage(p string) error {
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	if _, _, err := image.DecodeConfig(f); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotImage, filepath.Base(p), err)
	}
	return nil
}
