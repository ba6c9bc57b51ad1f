package tabular

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

type xlsxReader struct {
	path string
}

type xlsxBook struct {
	f        *excelize.File
	sheet    string
	date1904 bool
}

func (r *xlsxReader) open() (*xlsxBook, error) {
	f, err := excelize.OpenFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		if list := f.GetSheetList(); len(list) > 0 {
			sheet = list[0]
		}
	}
	if sheet == "" {
		_ = f.Close()
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrEmptyFile)
	}
	b := &xlsxBook{f: f, sheet: sheet}
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		b.date1904 = *props.Date1904
	}
	return b, nil
}

// Analyze streams the active sheet once. Cells are parsed a row at a time and
// dropped; the workbook is closed (temp files removed) before returning.
func (r *xlsxReader) Analyze() (*Analysis, error) {
	b, err := r.open()
	if err != nil {
		return nil, err
	}
	defer b.f.Close()

	rows, err := b.f.Rows(b.sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer rows.Close()

	var headers []string
	highestRow, highestCol := 0, 0
	n := 0
	for rows.Next() {
		n++
		cells, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrFormat, n, err)
		}
		if n == 1 {
			headers = cells
		}
		if IsEmptyRow(cells) {
			continue
		}
		highestRow = n
		if w := lastFilled(cells); w > highestCol {
			highestCol = w
		}
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return finishAnalysis(headers, highestRow, highestCol)
}

func (r *xlsxReader) ReadAll(headers []string) ([]Row, error) {
	return r.ReadRange(2, allRows, headers)
}

// ReadRange walks two iterators in lockstep: raw values are what we store,
// the formatted twin only tells us which numeric cells are dates.
func (r *xlsxReader) ReadRange(startRow, endRow int, headers []string) ([]Row, error) {
	filter := NewRowFilter(startRow, endRow)

	b, err := r.open()
	if err != nil {
		return nil, err
	}
	defer b.f.Close()

	raw, err := b.f.Rows(b.sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer raw.Close()
	formatted, err := b.f.Rows(b.sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer formatted.Close()

	var out []Row
	n := 0
	for raw.Next() {
		formatted.Next()
		n++
		if filter.Past(n) {
			break
		}
		if !filter.ShouldRead(n) || n == 1 {
			continue
		}
		values, err := raw.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrFormat, n, err)
		}
		display, err := formatted.Columns()
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrFormat, n, err)
		}
		cells := make([]string, len(values))
		for i, v := range values {
			shown := ""
			if i < len(display) {
				shown = display[i]
			}
			cells[i] = b.cellValue(v, shown)
		}
		if IsEmptyRow(cells) {
			continue
		}
		out = append(out, Row{Number: n, Cells: fitRow(cells, len(headers))})
	}
	if err := raw.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return out, nil
}

var dateShape = regexp.MustCompile(`(?i)^(\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}|\d{1,2}[- ](jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)|(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*[- ]\d)`)

// cellValue renders date-formatted serials as YYYY-MM-DD and leaves every
// other cell as its raw value.
func (b *xlsxBook) cellValue(raw, shown string) string {
	if raw == "" || shown == raw || !dateShape.MatchString(strings.TrimSpace(shown)) {
		return raw
	}
	serial, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	t, err := excelize.ExcelDateToTime(serial, b.date1904)
	if err != nil {
		return raw
	}
	return t.Format("2006-01-02")
}

func lastFilled(cells []string) int {
	for i := len(cells) - 1; i >= 0; i-- {
		if strings.TrimSpace(cells[i]) != "" {
			return i + 1
		}
	}
	return 0
}
