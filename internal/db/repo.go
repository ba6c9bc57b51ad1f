package db

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// AppendEvent adds one line to the upload's processing log.
func AppendEvent(ctx context.Context, gdb *gorm.DB, uploadID uint, level, msg string) error {
	return gdb.WithContext(ctx).Create(&UploadEvent{UploadID: uploadID, Level: level, Message: msg}).Error
}

// Events returns the processing log oldest first.
func Events(ctx context.Context, gdb *gorm.DB, uploadID uint) ([]UploadEvent, error) {
	var out []UploadEvent
	err := gdb.WithContext(ctx).Where("upload_id = ?", uploadID).Order("id ASC").Find(&out).Error
	return out, err
}

// ChunksFor returns an upload's chunks ordered by chunk number.
func ChunksFor(ctx context.Context, gdb *gorm.DB, uploadID uint) ([]UploadChunk, error) {
	var out []UploadChunk
	err := gdb.WithContext(ctx).Where("upload_id = ?", uploadID).Order("chunk_number ASC").Find(&out).Error
	return out, err
}

// FieldsFor returns a part's additional and system fields.
func FieldsFor(ctx context.Context, gdb *gorm.DB, partID uint) ([]PartField, error) {
	var out []PartField
	err := gdb.WithContext(ctx).Where("part_id = ?", partID).Order("id ASC").Find(&out).Error
	return out, err
}

// FieldValue returns the value of one field, "" when absent.
func FieldValue(ctx context.Context, gdb *gorm.DB, partID uint, name string) (string, error) {
	var f PartField
	res := gdb.WithContext(ctx).Where("part_id = ? AND field_name = ?", partID, name).Limit(1).Find(&f)
	if res.Error != nil {
		return "", res.Error
	}
	return f.FieldValue, nil
}

// SetField replaces (delete + insert) a single named field on a part.
func SetField(ctx context.Context, tx *gorm.DB, partID uint, name, value string) error {
	if err := tx.WithContext(ctx).Where("part_id = ? AND field_name = ?", partID, name).Delete(&PartField{}).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Create(&PartField{PartID: partID, FieldName: name, FieldValue: value}).Error
}

// MarkUpload updates the status of an upload; completed/failed also stamp completed_at.
func MarkUpload(ctx context.Context, gdb *gorm.DB, uploadID uint, status string) error {
	upd := map[string]any{"status": status}
	if status == StatusCompleted || status == StatusFailed {
		upd["completed_at"] = time.Now()
	}
	return gdb.WithContext(ctx).Model(&Upload{}).Where("id = ?", uploadID).Updates(upd).Error
}
