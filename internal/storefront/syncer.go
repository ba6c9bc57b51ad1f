package storefront

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bartek5186/partsync/internal/db"
)

// ErrNotFound means no reference entry matches the part. It is an expected
// outcome, not a failure.
var ErrNotFound = errors.New("storefront: no reference entry")

// ProductSource fetches live storefront products.
type ProductSource interface {
	FetchProduct(ctx context.Context, id string) (*Product, error)
	FetchProducts(ctx context.Context, ids []string) map[string]*Product
}

type Syncer struct {
	log       zerolog.Logger
	db        *gorm.DB
	warehouse *gorm.DB
	products  ProductSource
	shop      string
	now       func() time.Time
}

func NewSyncer(log zerolog.Logger, gdb, warehouse *gorm.DB, products ProductSource, shop string) *Syncer {
	return &Syncer{
		log:       log.With().Str("component", "storefront").Logger(),
		db:        gdb,
		warehouse: warehouse,
		products:  products,
		shop:      shop,
		now:       time.Now,
	}
}

// BatchResult counts per-part outcomes of SyncParts.
type BatchResult struct {
	Synced   int    `json:"synced"`
	LiveData int    `json:"live_data"`
	NotFound []uint `json:"not_found,omitempty"`
	Missing  []uint `json:"missing,omitempty"` // ids with no part row
}

// SyncPart links one part to its reference entry and refreshes its snapshot.
func (s *Syncer) SyncPart(ctx context.Context, partID uint) (*db.StorefrontSnapshot, error) {
	var p db.Part
	if err := s.db.WithContext(ctx).First(&p, partID).Error; err != nil {
		return nil, fmt.Errorf("load part %d: %w", partID, err)
	}
	log := s.log.With().Uint("part_id", p.ID).Str("code", p.PartNumber).Str("vendor", p.Manufacturer).Logger()

	var ref db.ReferenceEntry
	res := s.warehouse.WithContext(ctx).
		Where("vendor LIKE ? AND code = ?", "%"+p.Manufacturer+"%", p.PartNumber).
		Order("id ASC").
		Limit(1).
		Find(&ref)
	if res.Error != nil {
		return nil, fmt.Errorf("reference lookup: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		log.Debug().Msg("no reference entry")
		return nil, ErrNotFound
	}

	var live *Product
	if ref.StorefrontProductID != nil && *ref.StorefrontProductID != "" {
		prod, err := s.products.FetchProduct(ctx, *ref.StorefrontProductID)
		if err != nil {
			log.Warn().Err(err).Str("product_id", *ref.StorefrontProductID).Msg("live product unavailable")
		}
		live = prod
	}

	snap := s.snapshot(p, ref, live)
	tx := s.db.WithContext(ctx).Begin()
	defer tx.Rollback()
	if err := s.persist(ctx, tx, p.ID, ref, &snap); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	log.Info().Str("external_item_id", ref.ExternalItemID).Bool("live", snap.LiveData).Msg("part synced")
	return &snap, nil
}

// SyncParts syncs many parts with one reference query per vendor and
// batched product fetches. Parts without a reference entry are reported,
// never fatal.
func (s *Syncer) SyncParts(ctx context.Context, ids []uint) (*BatchResult, error) {
	res := &BatchResult{}
	if len(ids) == 0 {
		return res, nil
	}
	var parts []db.Part
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&parts).Error; err != nil {
		return nil, fmt.Errorf("load parts: %w", err)
	}
	found := make(map[uint]bool, len(parts))
	for _, p := range parts {
		found[p.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			res.Missing = append(res.Missing, id)
		}
	}

	byVendor := map[string][]db.Part{}
	var vendors []string
	for _, p := range parts {
		if _, ok := byVendor[p.Manufacturer]; !ok {
			vendors = append(vendors, p.Manufacturer)
		}
		byVendor[p.Manufacturer] = append(byVendor[p.Manufacturer], p)
	}

	refs := make(map[uint]db.ReferenceEntry, len(parts))
	for _, vendor := range vendors {
		group := byVendor[vendor]
		codes := make([]string, 0, len(group))
		for _, p := range group {
			codes = append(codes, p.PartNumber)
		}
		var entries []db.ReferenceEntry
		err := s.warehouse.WithContext(ctx).
			Where("vendor LIKE ? AND code IN ?", "%"+vendor+"%", codes).
			Order("id ASC").
			Find(&entries).Error
		if err != nil {
			return nil, fmt.Errorf("reference lookup for %q: %w", vendor, err)
		}
		byCode := make(map[string]db.ReferenceEntry, len(entries))
		for _, e := range entries {
			if _, seen := byCode[e.Code]; !seen {
				byCode[e.Code] = e
			}
		}
		for _, p := range group {
			if e, ok := byCode[p.PartNumber]; ok {
				refs[p.ID] = e
			} else {
				res.NotFound = append(res.NotFound, p.ID)
			}
		}
	}
	s.log.Debug().Int("parts", len(parts)).Int("vendors", len(vendors)).Int("linked", len(refs)).Msg("reference lookup done")

	var productIDs []string
	seen := map[string]bool{}
	for _, e := range refs {
		if e.StorefrontProductID == nil || *e.StorefrontProductID == "" {
			continue
		}
		gid := ProductGID(*e.StorefrontProductID)
		if !seen[gid] {
			seen[gid] = true
			productIDs = append(productIDs, gid)
		}
	}
	live := map[string]*Product{}
	if len(productIDs) > 0 {
		live = s.products.FetchProducts(ctx, productIDs)
	}

	tx := s.db.WithContext(ctx).Begin()
	defer tx.Rollback()
	for _, p := range parts {
		ref, ok := refs[p.ID]
		if !ok {
			continue
		}
		var prod *Product
		if ref.StorefrontProductID != nil {
			prod = live[ProductGID(*ref.StorefrontProductID)]
		}
		snap := s.snapshot(p, ref, prod)
		if err := s.persist(ctx, tx, p.ID, ref, &snap); err != nil {
			return nil, err
		}
		res.Synced++
		if snap.LiveData {
			res.LiveData++
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	s.log.Info().Int("requested", len(ids)).Int("synced", res.Synced).Int("live", res.LiveData).
		Int("not_found", len(res.NotFound)).Msg("batch sync done")
	return res, nil
}

func (s *Syncer) persist(ctx context.Context, tx *gorm.DB, partID uint, ref db.ReferenceEntry, snap *db.StorefrontSnapshot) error {
	if err := db.SetField(ctx, tx, partID, db.FieldExternalItemID, ref.ExternalItemID); err != nil {
		return fmt.Errorf("store external id: %w", err)
	}
	if ref.StorefrontProductID != nil && *ref.StorefrontProductID != "" {
		if err := db.SetField(ctx, tx, partID, db.FieldStorefrontProductID, *ref.StorefrontProductID); err != nil {
			return fmt.Errorf("store product id: %w", err)
		}
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "part_id"}},
		UpdateAll: true,
	}).Create(snap).Error
	if err != nil {
		return fmt.Errorf("upsert snapshot for part %d: %w", partID, err)
	}
	return nil
}

// snapshot merges the live product over the reference entry.
func (s *Syncer) snapshot(p db.Part, ref db.ReferenceEntry, prod *Product) db.StorefrontSnapshot {
	snap := db.StorefrontSnapshot{
		PartID:         p.ID,
		ExternalItemID: ref.ExternalItemID,
		ProductID:      ref.StorefrontProductID,
		Title:          strPtr(ref.Title),
		Vendor:         strPtr(ref.Vendor),
		SyncedAt:       s.now(),
	}
	if prod != nil {
		snap.LiveData = true
		if prod.ID != "" {
			snap.ProductID = &prod.ID
		}
		snap.Handle = prod.Handle
		if prod.Title != nil {
			snap.Title = prod.Title
		}
		if prod.Vendor != nil {
			snap.Vendor = prod.Vendor
		}
		snap.ProductType = prod.ProductType
		snap.Status = prod.Status
		if prod.FeaturedImage != nil {
			snap.FeaturedImage = prod.FeaturedImage.URL
		}
		if prod.Images != nil {
			for _, img := range prod.Images.Nodes {
				if img.URL == nil {
					continue
				}
				snap.Images = append(snap.Images, db.SnapshotImage{URL: *img.URL, AltText: deref(img.AltText)})
			}
		}
		if prod.Variants != nil {
			for _, v := range prod.Variants.Nodes {
				sv := db.SnapshotVariant{
					ID:                v.ID,
					Title:             deref(v.Title),
					SKU:               v.SKU,
					Price:             v.Price,
					CompareAtPrice:    v.CompareAtPrice,
					AvailableForSale:  v.AvailableForSale,
					InventoryQuantity: v.InventoryQuantity,
				}
				for _, o := range v.SelectedOptions {
					sv.Options = append(sv.Options, o.Value)
				}
				snap.Variants = append(snap.Variants, sv)
			}
		}
	}
	if snap.Handle != nil && *snap.Handle != "" {
		u := fmt.Sprintf("https://%s.myshopify.com/products/%s", s.shop, *snap.Handle)
		snap.StorefrontURL = &u
	}
	if snap.ProductID != nil && *snap.ProductID != "" {
		u := fmt.Sprintf("https://admin.shopify.com/store/%s/products/%s", s.shop, NumericID(*snap.ProductID))
		snap.AdminURL = &u
	}
	return snap
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
