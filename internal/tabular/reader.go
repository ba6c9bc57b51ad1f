// Package tabular reads spreadsheet and CSV files row range by row range so a
// chunk worker never holds more than its own rows in memory.
package tabular

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
)

var (
	// ErrIO: file missing, unreadable or empty on disk.
	ErrIO = errors.New("tabular: file unreadable")
	// ErrFormat: not a spreadsheet/CSV we can parse.
	ErrFormat = errors.New("tabular: unrecognized format")
	// ErrEmptyFile: no header or no data rows.
	ErrEmptyFile = errors.New("tabular: no header or data rows")
)

// Analysis is the result of a header + row-count pass.
type Analysis struct {
	// Headers are positional: Headers[i] labels column i. Blank labels are
	// kept as "" so cells stay aligned; callers ignore those columns.
	Headers       []string
	TotalDataRows int
	HighestRow    int
	HighestColumn int
}

// Labels returns the non-blank header labels.
func (a Analysis) Labels() []string {
	out := make([]string, 0, len(a.Headers))
	for _, h := range a.Headers {
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// Row is one materialized data row.
type Row struct {
	Number int // absolute row number in the source file
	Cells  []string
}

// Reader is implemented per file kind. ReadRange reopens the file on every
// call; nothing is kept between calls.
type Reader interface {
	Analyze() (*Analysis, error)
	ReadRange(startRow, endRow int, headers []string) ([]Row, error)
	ReadAll(headers []string) ([]Row, error)
}

// Options tune how files are decoded.
type Options struct {
	// Charset forces a CSV charset label (e.g. "windows-1250"); empty = detect.
	Charset string
}

// Open returns the reader matching the file's kind.
func Open(path string, opts Options) (Reader, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrIO, path)
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrIO, path)
	}
	switch DetectKind(path) {
	case KindSpreadsheet:
		return &xlsxReader{path: path}, nil
	case KindLegacySpreadsheet:
		return &xlsReader{path: path}, nil
	case KindCSV:
		return &csvReader{path: path, charset: opts.Charset}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrFormat, path)
	}
}

// Analyze is a shortcut for Open + Analyze.
func Analyze(path string, opts Options) (*Analysis, error) {
	r, err := Open(path, opts)
	if err != nil {
		return nil, err
	}
	return r.Analyze()
}

const allRows = math.MaxInt32

func finishAnalysis(headers []string, highestRow, highestCol int) (*Analysis, error) {
	headers = trimHeaders(headers)
	if highestRow < 2 {
		return nil, fmt.Errorf("%w: highest row %d", ErrEmptyFile, highestRow)
	}
	a := &Analysis{
		Headers:       headers,
		TotalDataRows: highestRow - 1,
		HighestRow:    highestRow,
		HighestColumn: highestCol,
	}
	if len(a.Labels()) == 0 {
		return nil, fmt.Errorf("%w: header row has no labels", ErrEmptyFile)
	}
	return a, nil
}

func trimHeaders(raw []string) []string {
	out := make([]string, len(raw))
	for i, h := range raw {
		out[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	// trailing blank columns carry nothing
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

// IsEmptyRow reports a row whose cells are all blank.
func IsEmptyRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// fitRow pads or cuts cells to the header width.
func fitRow(cells []string, width int) []string {
	if width <= 0 {
		return cells
	}
	if len(cells) >= width {
		return cells[:width]
	}
	out := make([]string, width)
	copy(out, cells)
	return out
}
