package images

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/bartek5186/partsync/internal/db"
)

// MatchResult counts per-image outcomes. Failures never abort a batch.
type MatchResult struct {
	Matched   int      `json:"matched"`
	Uploaded  int      `json:"uploaded"`
	Failed    int      `json:"failed"`
	Unmatched []string `json:"unmatched,omitempty"`
}

type Matcher struct {
	log         zerolog.Logger
	db          *gorm.DB
	up          *Uploader
	concurrency int
}

func NewMatcher(log zerolog.Logger, gdb *gorm.DB, up *Uploader, concurrency int) *Matcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Matcher{log: log.With().Str("component", "image-matcher").Logger(), db: gdb, up: up, concurrency: concurrency}
}

type partIndex struct {
	byCode map[string][]uint
	byDesc map[string][]uint
	byID   map[string][]uint
	codes  []string // longest first
}

func buildIndex(parts []db.Part) partIndex {
	idx := partIndex{byCode: map[string][]uint{}, byDesc: map[string][]uint{}, byID: map[string][]uint{}}
	for _, p := range parts {
		if c := normKey(p.PartNumber); c != "" {
			if _, seen := idx.byCode[c]; !seen {
				idx.codes = append(idx.codes, c)
			}
			idx.byCode[c] = append(idx.byCode[c], p.ID)
		}
		if d := normKey(p.Description); d != "" {
			idx.byDesc[d] = append(idx.byDesc[d], p.ID)
		}
		idx.byID[strconv.FormatUint(uint64(p.ID), 10)] = []uint{p.ID}
	}
	sort.SliceStable(idx.codes, func(i, j int) bool { return len(idx.codes[i]) > len(idx.codes[j]) })
	return idx
}

func normKey(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// lookup applies the token rules first, then plain containment of a known code.
func (idx partIndex) lookup(filename string) []uint {
	if tok := normKey(ExtractToken(filename)); tok != "" {
		if ids := idx.byCode[tok]; len(ids) > 0 {
			return ids
		}
		if ids := idx.byDesc[tok]; len(ids) > 0 {
			return ids
		}
		if ids := idx.byID[tok]; len(ids) > 0 {
			return ids
		}
	}
	name := strings.ToLower(filepath.Base(filename))
	for _, c := range idx.codes {
		if len(c) >= 3 && strings.Contains(name, c) {
			return idx.byCode[c]
		}
	}
	return nil
}

// MatchAndUpload pairs loose images with parts by file-name heuristics and
// uploads each match. The stored context of each part picks the key.
func (m *Matcher) MatchAndUpload(ctx context.Context, parts []db.Part, imagePaths []string) MatchResult {
	idx := buildIndex(parts)
	groups := map[string][]uint{}
	var res MatchResult
	for _, p := range imagePaths {
		ids := idx.lookup(p)
		if len(ids) == 0 {
			res.Unmatched = append(res.Unmatched, filepath.Base(p))
			continue
		}
		groups[p] = ids
	}
	res.Matched = len(groups)
	m.uploadGroups(ctx, "", groups, &res)
	m.log.Info().Int("images", len(imagePaths)).Int("matched", res.Matched).
		Int("uploaded", res.Uploaded).Int("failed", res.Failed).Msg("heuristic image match done")
	return res
}

// MatchContext joins images to the parts of one context by the exact
// (case-insensitive) image filename recorded at ingestion. One image can
// serve many parts.
func (m *Matcher) MatchContext(ctx context.Context, contextLabel string, imagePaths []string) MatchResult {
	var res MatchResult
	var rows []struct {
		PartID     uint
		FieldValue string
	}
	err := m.db.WithContext(ctx).Table("part_fields AS f").
		Select("f.part_id, f.field_value").
		Joins("JOIN part_fields AS c ON c.part_id = f.part_id AND c.field_name = ? AND c.field_value = ?", db.FieldContext, contextLabel).
		Where("f.field_name = ?", db.FieldImageFilename).
		Scan(&rows).Error
	if err != nil {
		m.log.Error().Err(err).Str("context", contextLabel).Msg("image filename lookup failed")
		res.Failed = len(imagePaths)
		return res
	}

	byName := map[string][]uint{}
	for _, r := range rows {
		k := strings.ToLower(filepath.Base(filepath.ToSlash(strings.TrimSpace(r.FieldValue))))
		byName[k] = append(byName[k], r.PartID)
	}

	groups := map[string][]uint{}
	for _, p := range imagePaths {
		ids := byName[strings.ToLower(filepath.Base(p))]
		if len(ids) == 0 {
			res.Unmatched = append(res.Unmatched, filepath.Base(p))
			continue
		}
		groups[p] = ids
	}
	res.Matched = len(groups)
	m.uploadGroups(ctx, contextLabel, groups, &res)
	m.log.Info().Str("context", contextLabel).Int("images", len(imagePaths)).Int("matched", res.Matched).
		Int("uploaded", res.Uploaded).Int("failed", res.Failed).Msg("context image match done")
	return res
}

func (m *Matcher) uploadGroups(ctx context.Context, contextLabel string, groups map[string][]uint, res *MatchResult) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for p, ids := range groups {
		g.Go(func() error {
			_, err := m.up.Upload(gctx, p, contextLabel, ids)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				m.log.Warn().Err(err).Str("image", filepath.Base(p)).Msg("image upload failed")
				return nil
			}
			res.Uploaded++
			return nil
		})
	}
	_ = g.Wait()
}
