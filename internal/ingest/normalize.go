package ingest

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/db"
	"github.com/bartek5186/partsync/internal/tabular"
)

// ImageColumn holds the image file name a row refers to.
const ImageColumn = "img_page_path"

var (
	partNumberHeaders = []string{
		"part_number", "part number", "partnumber", "part_no", "part no", "part-number",
		"part #", "part#", "pn", "p/n",
	}
	descriptionHeaders = []string{
		"description", "desc", "part_description", "part description", "descr",
	}
	manufacturerHeaders = []string{
		"manufacturer", "mfr", "mfg", "brand", "vendor", "make", "manufacturer_name",
	}
)

// systemFields survive the delete-and-rebuild of a part's additional fields.
var systemFields = []string{db.FieldContext, db.FieldImageFilename, db.FieldExternalItemID, db.FieldStorefrontProductID}

// Counts summarise one ProcessDataRows call.
type Counts struct {
	Touched int `json:"touched"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

func (c *Counts) Add(o Counts) {
	c.Touched += o.Touched
	c.Created += o.Created
	c.Updated += o.Updated
	c.Skipped += o.Skipped
}

type columns struct {
	code, desc, vendor, image int
}

func (c columns) core(i int) bool {
	return i == c.code || i == c.desc || i == c.vendor
}

func findHeader(headers []string, synonyms []string) int {
	for i, h := range headers {
		lh := strings.ToLower(strings.TrimSpace(h))
		if lh == "" {
			continue
		}
		for _, s := range synonyms {
			if lh == s {
				return i
			}
		}
	}
	return -1
}

func resolveColumns(headers []string) columns {
	return columns{
		code:   findHeader(headers, partNumberHeaders),
		desc:   findHeader(headers, descriptionHeaders),
		vendor: findHeader(headers, manufacturerHeaders),
		image:  findHeader(headers, []string{ImageColumn}),
	}
}

func cell(cells []string, i int) string {
	if i < 0 || i >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[i])
}

// ProcessDataRows upserts rows of one source file (or one chunk of it) under
// contextLabel. The part key is (part number, manufacturer, context). All
// writes share one transaction; any failure rolls every row back.
func (o *Orchestrator) ProcessDataRows(ctx context.Context, up *db.Upload, contextLabel string, headers []string, rows []tabular.Row) (Counts, error) {
	var counts Counts
	cols := resolveColumns(headers)
	log := o.log.With().Uint("upload_id", up.ID).Str("context", contextLabel).Logger()
	if cols.code < 0 {
		log.Warn().Strs("headers", headers).Msg("no part number column; every row will be skipped")
	}
	if cols.desc < 0 {
		log.Debug().Msg("no description column")
	}
	if cols.vendor < 0 {
		log.Debug().Msg("no manufacturer column")
	}

	tx := o.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return counts, &UpsertError{Context: contextLabel, Err: tx.Error}
	}
	defer tx.Rollback()

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return Counts{}, &UpsertError{Context: contextLabel, Row: row.Number, Err: err}
		}
		if tabular.IsEmptyRow(row.Cells) {
			continue
		}
		code := cell(row.Cells, cols.code)
		if code == "" {
			counts.Skipped++
			continue
		}
		created, err := upsertRow(ctx, tx, up, contextLabel, headers, cols, row.Cells)
		if err != nil {
			return Counts{}, &UpsertError{Context: contextLabel, Row: row.Number, Err: err}
		}
		counts.Touched++
		if created {
			counts.Created++
		} else {
			counts.Updated++
		}
	}

	if err := tx.Commit().Error; err != nil {
		return Counts{}, &UpsertError{Context: contextLabel, Err: err}
	}
	log.Debug().Int("touched", counts.Touched).Int("created", counts.Created).
		Int("updated", counts.Updated).Int("skipped", counts.Skipped).Msg("rows upserted")
	return counts, nil
}

func upsertRow(ctx context.Context, tx *gorm.DB, up *db.Upload, contextLabel string, headers []string, cols columns, cells []string) (bool, error) {
	code := cell(cells, cols.code)
	vendor := cell(cells, cols.vendor)
	desc := cell(cells, cols.desc)

	var existing db.Part
	res := tx.Model(&db.Part{}).
		Joins("JOIN part_fields ctxf ON ctxf.part_id = parts.id AND ctxf.field_name = ? AND ctxf.field_value = ?", db.FieldContext, contextLabel).
		Where("parts.part_number = ? AND parts.manufacturer = ?", code, vendor).
		Order("parts.id ASC").
		Limit(1).
		Find(&existing)
	if res.Error != nil {
		return false, fmt.Errorf("lookup %s: %w", code, res.Error)
	}

	created := res.RowsAffected == 0
	if created {
		existing = db.Part{
			PartNumber:   code,
			Description:  desc,
			Manufacturer: vendor,
			UploadID:     up.ID,
			BatchID:      up.BatchID,
		}
		if err := tx.Create(&existing).Error; err != nil {
			return false, fmt.Errorf("create %s: %w", code, err)
		}
	} else {
		err := tx.Model(&db.Part{}).Where("id = ?", existing.ID).Updates(map[string]any{
			"description": desc,
			"upload_id":   up.ID,
			"batch_id":    up.BatchID,
		}).Error
		if err != nil {
			return false, fmt.Errorf("update %s: %w", code, err)
		}
		err = tx.Where("part_id = ? AND field_name NOT IN ?", existing.ID, systemFields).Delete(&db.PartField{}).Error
		if err != nil {
			return false, fmt.Errorf("clear fields %s: %w", code, err)
		}
	}

	fields := make([]db.PartField, 0, len(headers))
	for i, h := range headers {
		name := strings.TrimSpace(h)
		if name == "" || cols.core(i) {
			continue
		}
		v := cell(cells, i)
		if v == "" {
			continue
		}
		fields = append(fields, db.PartField{PartID: existing.ID, FieldName: name, FieldValue: v})
	}
	if len(fields) > 0 {
		if err := tx.Create(&fields).Error; err != nil {
			return false, fmt.Errorf("fields %s: %w", code, err)
		}
	}

	if err := db.SetField(ctx, tx, existing.ID, db.FieldContext, contextLabel); err != nil {
		return false, err
	}
	if img := cell(cells, cols.image); img != "" {
		if err := db.SetField(ctx, tx, existing.ID, db.FieldImageFilename, img); err != nil {
			return false, err
		}
	}
	return created, nil
}
