package tabular

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/extrame/xls"
)

// xlsReader reads legacy BIFF workbooks. The library parses the whole sheet
// up front, so bounded memory only holds for the returned slice; .xls files
// are capped at 65536 rows which keeps this acceptable.
type xlsReader struct {
	path string
}

func (r *xlsReader) sheet() (sheet *xls.WorkSheet, err error) {
	if _, statErr := os.Stat(r.path); statErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, statErr)
	}
	// the BIFF parser panics on some truncated files
	defer func() {
		if p := recover(); p != nil {
			sheet, err = nil, fmt.Errorf("%w: xls parse: %v", ErrFormat, p)
		}
	}()
	wb, err := xls.Open(r.path, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if wb.NumSheets() == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrEmptyFile)
	}
	sheet = wb.GetSheet(0)
	if sheet == nil {
		return nil, fmt.Errorf("%w: first sheet unreadable", ErrFormat)
	}
	return sheet, nil
}

func xlsCells(row *xls.Row) []string {
	if row == nil {
		return nil
	}
	last := row.LastCol()
	if last <= 0 {
		return nil
	}
	cells := make([]string, last)
	for c := row.FirstCol(); c < last; c++ {
		cells[c] = xlsValue(row.Col(c))
	}
	return cells
}

// xlsValue turns the library's RFC3339 date rendering into YYYY-MM-DD.
func xlsValue(v string) string {
	if len(v) >= 20 && v[4] == '-' && v[10] == 'T' {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return v
}

func (r *xlsReader) Analyze() (*Analysis, error) {
	sheet, err := r.sheet()
	if err != nil {
		return nil, err
	}
	var headers []string
	highestRow, highestCol := 0, 0
	for i := 0; i <= int(sheet.MaxRow); i++ {
		cells := xlsCells(sheet.Row(i))
		if i == 0 {
			headers = cells
		}
		if IsEmptyRow(cells) {
			continue
		}
		highestRow = i + 1
		if w := lastFilled(cells); w > highestCol {
			highestCol = w
		}
	}
	return finishAnalysis(headers, highestRow, highestCol)
}

func (r *xlsReader) ReadAll(headers []string) ([]Row, error) {
	return r.ReadRange(2, allRows, headers)
}

func (r *xlsReader) ReadRange(startRow, endRow int, headers []string) ([]Row, error) {
	filter := NewRowFilter(startRow, endRow)
	sheet, err := r.sheet()
	if err != nil {
		return nil, err
	}
	var out []Row
	for i := 1; i <= int(sheet.MaxRow); i++ {
		n := i + 1
		if filter.Past(n) {
			break
		}
		if !filter.ShouldRead(n) {
			continue
		}
		cells := xlsCells(sheet.Row(i))
		if IsEmptyRow(cells) {
			continue
		}
		for j := range cells {
			cells[j] = strings.TrimSpace(cells[j])
		}
		out = append(out, Row{Number: n, Cells: fitRow(cells, len(headers))})
	}
	return out, nil
}
