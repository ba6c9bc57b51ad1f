package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

type csvReader struct {
	path    string
	charset string
}

// normalizeCharset maps labels seen in exports to names charset.NewReaderLabel knows.
func normalizeCharset(cs string) string {
	c := strings.TrimSpace(strings.ToLower(cs))
	switch c {
	case "latin ii", "latin-2", "latin2", "iso8859-2", "iso_8859-2":
		return "iso-8859-2"
	case "cp1250", "windows1250", "win-1250":
		return "windows-1250"
	case "utf8":
		return "utf-8"
	default:
		return c
	}
}

// records walks the file one record at a time. fn returns false to stop.
func (r *csvReader) records(fn func(n int, cells []string) bool) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64*1024)
	head, _ := br.Peek(4096)

	var src io.Reader = br
	label := normalizeCharset(r.charset)
	if label == "" {
		label = sniffCharset(head)
	}
	if label != "utf-8" {
		src, err = charset.NewReaderLabel(label, br)
		if err != nil {
			return fmt.Errorf("%w: charset %q: %v", ErrFormat, label, err)
		}
	}

	cr := csv.NewReader(src)
	cr.Comma = sniffDelimiter(head)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	n := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrFormat, n+1, err)
		}
		n++
		cells := make([]string, len(rec))
		for i, c := range rec {
			cells[i] = strings.TrimSpace(c)
		}
		if n == 1 && len(cells) > 0 {
			cells[0] = strings.TrimPrefix(cells[0], "\ufeff")
		}
		if !fn(n, cells) {
			return nil
		}
	}
}

// sniffCharset defaults to UTF-8. A legacy decoder is picked only for a
// BOM or when the peeked bytes are not valid UTF-8.
func sniffCharset(head []byte) string {
	if bytes.HasPrefix(head, []byte{0xEF, 0xBB, 0xBF}) {
		return "utf-8"
	}
	if bytes.HasPrefix(head, []byte{0xFE, 0xFF}) || bytes.HasPrefix(head, []byte{0xFF, 0xFE}) {
		_, label, _ := charset.DetermineEncoding(head, "text/csv")
		return label
	}
	if utf8.Valid(trimPartialRune(head)) {
		return "utf-8"
	}
	_, label, _ := charset.DetermineEncoding(head, "text/csv")
	if label == "utf-8" {
		label = "windows-1252"
	}
	return label
}

// trimPartialRune drops a multi-byte sequence cut off by the peek window.
func trimPartialRune(b []byte) []byte {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return b[:len(b)-i]
			}
			return b
		}
	}
	return b
}

// sniffDelimiter picks ';' or tab over ',' when the first line says so.
func sniffDelimiter(head []byte) rune {
	line := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		line = head[:i]
	}
	best, bestN := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if c := bytes.Count(line, []byte(string(d))); c > bestN {
			best, bestN = d, c
		}
	}
	return best
}

func (r *csvReader) Analyze() (*Analysis, error) {
	var headers []string
	highestRow, highestCol := 0, 0
	err := r.records(func(n int, cells []string) bool {
		if n == 1 {
			headers = cells
		}
		if IsEmptyRow(cells) {
			return true
		}
		highestRow = n
		if w := lastFilled(cells); w > highestCol {
			highestCol = w
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return finishAnalysis(headers, highestRow, highestCol)
}

func (r *csvReader) ReadAll(headers []string) ([]Row, error) {
	return r.ReadRange(2, allRows, headers)
}

func (r *csvReader) ReadRange(startRow, endRow int, headers []string) ([]Row, error) {
	filter := NewRowFilter(startRow, endRow)
	var out []Row
	err := r.records(func(n int, cells []string) bool {
		if filter.Past(n) {
			return false
		}
		if n == 1 || !filter.ShouldRead(n) || IsEmptyRow(cells) {
			return true
		}
		out = append(out, Row{Number: n, Cells: fitRow(cells, len(headers))})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
