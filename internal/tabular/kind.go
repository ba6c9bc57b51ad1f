package tabular

import (
	"path/filepath"
	"strings"
)

// Kind is the file type, resolved once when a file enters the pipeline.
type Kind string

const (
	KindSpreadsheet       Kind = "spreadsheet" // .xlsx / .xlsm
	KindLegacySpreadsheet Kind = "xls"
	KindCSV               Kind = "csv"
	KindArchive           Kind = "archive"
	KindImage             Kind = "image"
	KindUnknown           Kind = "unknown"
)

// DetectKind maps a file name to its Kind by extension.
func DetectKind(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return KindSpreadsheet
	case ".xls":
		return KindLegacySpreadsheet
	case ".csv":
		return KindCSV
	case ".zip":
		return KindArchive
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return KindImage
	default:
		return KindUnknown
	}
}

// Tabular reports whether rows can be read from files of this kind.
func (k Kind) Tabular() bool {
	return k == KindSpreadsheet || k == KindLegacySpreadsheet || k == KindCSV
}

// IsArtifact reports OS/metadata files that archives drag along
// (dotfiles, resource forks, __MACOSX, Thumbs.db, Desktop.ini).
func IsArtifact(path string) bool {
	slashed := filepath.ToSlash(path)
	for _, seg := range strings.Split(slashed, "/") {
		if seg == "__MACOSX" {
			return true
		}
	}
	base := filepath.Base(path)
	switch strings.ToLower(base) {
	case "thumbs.db", "desktop.ini", ".ds_store":
		return true
	}
	return strings.HasPrefix(base, ".") || strings.HasPrefix(base, "._")
}

// ContextLabel is the base file name without extension; it scopes upserts.
func ContextLabel(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
