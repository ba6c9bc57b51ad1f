// internal/db/models.go
package db

import (
	"time"

	"gorm.io/datatypes"
)

// Upload statuses. Chunks use the same set.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Processing methods reported back to the submitter.
const (
	MethodChunked  = "chunked"
	MethodStandard = "standard"
)

// System field names. The leading underscore keeps them apart from user columns.
const (
	FieldContext             = "_excel_context"
	FieldImageFilename       = "_image_filename"
	FieldExternalItemID      = "_external_item_id"
	FieldStorefrontProductID = "_storefront_product_id"
)

// uploads
type Upload struct {
	ID               uint   `gorm:"primaryKey"`
	OriginalFilename string `gorm:"size:512"`
	Kind             string `gorm:"size:32;index"` // spreadsheet/xls/csv/archive/unknown
	BatchID          string `gorm:"size:36;index"`
	Status           string `gorm:"size:16;index;default:pending"`
	Method           string `gorm:"size:16"`
	StoredPath       string `gorm:"size:1024"` // staged source file read by chunk workers
	SizeBytes        int64
	Checksum         string `gorm:"size:64;index"` // sha256 of the source file
	TotalParts       int
	ProcessedParts   int
	CreatedCount     int
	UpdatedCount     int
	SubmittedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime;index"`
	CompletedAt      *time.Time

	// header row captured at analysis, reused by every chunk
	Headers datatypes.JSONSlice[string]

	Chunks []UploadChunk `gorm:"constraint:OnDelete:CASCADE"`
	Events []UploadEvent `gorm:"constraint:OnDelete:CASCADE"`
}

// upload_events: append-only processing log
type UploadEvent struct {
	ID        uint      `gorm:"primaryKey"`
	UploadID  uint      `gorm:"index"`
	Level     string    `gorm:"size:8"` // info/warn/error
	Message   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// upload_chunks
type UploadChunk struct {
	ID             uint   `gorm:"primaryKey"`
	UploadID       uint   `gorm:"uniqueIndex:uniq_upload_chunk;index"`
	ChunkNumber    int    `gorm:"uniqueIndex:uniq_upload_chunk"`
	StartRow       int    // absolute, inclusive, row 1 is the header
	EndRow         int    // absolute, inclusive
	RowCount       int
	Status         string `gorm:"size:16;index;default:pending"`
	RowsProcessed  int
	RecordsCreated int
	RecordsUpdated int
	RecordsFailed  int
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ProcessingSecs float64
	ErrorDetails   string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// Terminal reports whether the chunk finished, successfully or not.
func (c UploadChunk) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusFailed
}

// parts
type Part struct {
	ID           uint   `gorm:"primaryKey"`
	PartNumber   string `gorm:"size:255;index:idx_part_key,priority:1"`
	Description  string `gorm:"type:text"`
	Manufacturer string `gorm:"size:255;index:idx_part_key,priority:2"`
	UploadID     uint   `gorm:"index"`
	BatchID      string `gorm:"size:36;index"`
	ImageURL     string `gorm:"size:1024"`
	ImageKey     string `gorm:"size:1024"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Fields []PartField `gorm:"constraint:OnDelete:CASCADE"`
}

// part_fields: additional columns and system fields
type PartField struct {
	ID         uint   `gorm:"primaryKey"`
	PartID     uint   `gorm:"index;index:idx_field_lookup,priority:2"`
	FieldName  string `gorm:"size:255;index:idx_field_lookup,priority:1"`
	FieldValue string `gorm:"type:text"`
}

// SnapshotImage is one storefront image.
type SnapshotImage struct {
	URL     string `json:"url"`
	AltText string `json:"alt_text,omitempty"`
}

// SnapshotVariant is one storefront variant.
type SnapshotVariant struct {
	ID                string   `json:"id"`
	Title             string   `json:"title,omitempty"`
	SKU               *string  `json:"sku"`
	Price             *string  `json:"price"`
	CompareAtPrice    *string  `json:"compare_at_price"`
	AvailableForSale  *bool    `json:"available_for_sale"`
	InventoryQuantity *int     `json:"inventory_quantity"`
	Options           []string `json:"options,omitempty"`
}

// storefront_snapshots: denormalised cache of the storefront product, 1:1 with a part
type StorefrontSnapshot struct {
	ID             uint    `gorm:"primaryKey"`
	PartID         uint    `gorm:"uniqueIndex"`
	ExternalItemID string  `gorm:"size:128"`
	ProductID      *string `gorm:"size:128"`
	Handle         *string `gorm:"size:255"`
	Title          *string `gorm:"size:512"`
	Vendor         *string `gorm:"size:255"`
	ProductType    *string `gorm:"size:255"`
	Status         *string `gorm:"size:32"`
	FeaturedImage  *string `gorm:"size:1024"`
	Images         datatypes.JSONSlice[SnapshotImage]
	Variants       datatypes.JSONSlice[SnapshotVariant]
	StorefrontURL  *string `gorm:"size:1024"`
	AdminURL       *string `gorm:"size:1024"`
	LiveData       bool
	SyncedAt       time.Time
}

// ingest_tasks: rows of the visibility-timeout queue
type Task struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Kind        string    `gorm:"size:64;index"` // upload.analyze, chunk.process, archive.process
	PayloadJSON string    `gorm:"type:text"`
	VisibleAt   time.Time `gorm:"index"`
	Attempts    int
	LastError   string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (Task) TableName() string { return "ingest_tasks" }

// reference_entries lives in the warehouse database and is only read here.
type ReferenceEntry struct {
	ID                  uint    `gorm:"primaryKey"`
	Vendor              string  `gorm:"size:255;index"`
	Code                string  `gorm:"size:255;index"`
	ExternalItemID      string  `gorm:"size:128"`
	StorefrontProductID *string `gorm:"size:128"`
	Title               string  `gorm:"size:512"`
}
