package db

import (
	"fmt"
)

// Migrate creates or updates the application schema.
func (h *Handle) Migrate() error {
	if err := h.DB.AutoMigrate(
		&Upload{},
		&UploadEvent{},
		&UploadChunk{},
		&Part{},
		&PartField{},
		&StorefrontSnapshot{},
		&Task{},
	); err != nil {
		return fmt.Errorf("AutoMigrate error: %w", err)
	}
	return nil
}

// MigrateWarehouse creates the reference table. Only used for local/dev
// warehouses; production warehouses own their schema.
func (h *Handle) MigrateWarehouse() error {
	if err := h.DB.AutoMigrate(&ReferenceEntry{}); err != nil {
		return fmt.Errorf("AutoMigrate warehouse error: %w", err)
	}
	return nil
}
