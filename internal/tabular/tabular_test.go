package tabular

import (
	"fmt"
	"os"
	"strings"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestRowFilter(t *testing.T) {
	f := NewRowFilter(252, 501)

	tests := []struct {
		row  int
		want bool
	}{
		{1, true},
		{2, false},
		{251, false},
		{252, true},
		{400, true},
		{501, true},
		{502, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.ShouldRead(tt.row), "row %d", tt.row)
	}
	assert.False(t, f.Past(501))
	assert.True(t, f.Past(502))
}

func TestDetectKind(t *testing.T) {
	assert.Equal(t, KindSpreadsheet, DetectKind("Parts.XLSX"))
	assert.Equal(t, KindLegacySpreadsheet, DetectKind("old.xls"))
	assert.Equal(t, KindCSV, DetectKind("a/b/ctx1.csv"))
	assert.Equal(t, KindArchive, DetectKind("bundle.zip"))
	assert.Equal(t, KindImage, DetectKind("a100.JPEG"))
	assert.Equal(t, KindUnknown, DetectKind("notes.txt"))
	assert.True(t, KindCSV.Tabular())
	assert.False(t, KindArchive.Tabular())
}

func TestIsArtifact(t *testing.T) {
	for _, p := range []string{
		"__MACOSX/ctx1.csv",
		"dir/._a100.jpg",
		"dir/.DS_Store",
		"Thumbs.db",
		"sub/Desktop.ini",
		".hidden.csv",
	} {
		assert.True(t, IsArtifact(p), p)
	}
	for _, p := range []string{"ctx1.csv", "images/a100.jpg", "MACOSX/x.csv"} {
		assert.False(t, IsArtifact(p), p)
	}
	assert.Equal(t, "ctx1", ContextLabel("dir/ctx1.csv"))
}

func writeWorkbook(t *testing.T, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, r := range rows {
		if r == nil {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		row := r
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	path := filepath.Join(t.TempDir(), "parts.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestXLSXAnalyzeAndReadRange(t *testing.T) {
	path := writeWorkbook(t, [][]any{
		{" Part Number ", "Description", "", "Color"},
		{"A100", "Widget", nil, "red"},
		nil,
		{"A200", "Gadget", nil, "blue"},
		{"A300", "Gizmo", nil, ""},
	})

	a, err := Analyze(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Part Number", "Description", "", "Color"}, a.Headers)
	assert.Equal(t, []string{"Part Number", "Description", "Color"}, a.Labels())
	assert.Equal(t, 5, a.HighestRow)
	assert.Equal(t, 4, a.TotalDataRows)

	r, err := Open(path, Options{})
	require.NoError(t, err)

	rows, err := r.ReadRange(2, 4, a.Headers)
	require.NoError(t, err)
	require.Len(t, rows, 2, "empty row 3 is dropped")
	assert.Equal(t, 2, rows[0].Number)
	assert.Equal(t, []string{"A100", "Widget", "", "red"}, rows[0].Cells)
	assert.Equal(t, 4, rows[1].Number)
	assert.Equal(t, "A200", rows[1].Cells[0])

	all, err := r.ReadAll(a.Headers)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "A300", all[2].Cells[0])
}

func TestXLSXDateCells(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"part_number", "released"}))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "A100"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, f.SetCellValue("Sheet1", "A3", "A200"))
	require.NoError(t, f.SetCellValue("Sheet1", "B3", 42))
	path := filepath.Join(t.TempDir(), "dates.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	r, err := Open(path, Options{})
	require.NoError(t, err)
	rows, err := r.ReadAll([]string{"part_number", "released"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-03-15", rows[0].Cells[1])
	assert.Equal(t, "42", rows[1].Cells[1], "plain numbers stay raw")
}

func TestAnalyzeHeaderOnlyIsEmpty(t *testing.T) {
	path := writeWorkbook(t, [][]any{{"part_number", "description"}})
	_, err := Analyze(path, Options{})
	assert.ErrorIs(t, err, ErrEmptyFile)

	csvPath := filepath.Join(t.TempDir(), "only-header.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("part_number,description\n\n"), 0o644))
	_, err = Analyze(csvPath, Options{})
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestAnalyzeBlankHeaderIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.csv")
	require.NoError(t, os.WriteFile(path, []byte(" , \nA100,Widget\n"), 0o644))
	_, err := Analyze(path, Options{})
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.xlsx"), Options{})
	assert.ErrorIs(t, err, ErrIO)

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = Open(empty, Options{})
	assert.ErrorIs(t, err, ErrIO)

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o644))
	_, err = Open(txt, Options{})
	assert.ErrorIs(t, err, ErrFormat)

	corrupt := filepath.Join(dir, "corrupt.xlsx")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a zip"), 0o644))
	_, err = Analyze(corrupt, Options{})
	assert.ErrorIs(t, err, ErrFormat)
}

func TestCSVReadRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctx1.csv")
	body := "\ufeffpart_number,description,manufacturer,img_page_path,color\n" +
		"A100, Widget ,Acme,a100.jpg,red\n" +
		",,,,\n" +
		"A200,Gadget,Acme,,blue\n" +
		"A300,Gizmo,Acme,,\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	a, err := Analyze(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "part_number", a.Headers[0])
	assert.Equal(t, 4, a.TotalDataRows)

	r, err := Open(path, Options{})
	require.NoError(t, err)
	rows, err := r.ReadRange(3, 4, a.Headers)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 4, rows[0].Number)
	assert.Equal(t, "A200", rows[0].Cells[0])

	rows, err = r.ReadAll(a.Headers)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Widget", rows[0].Cells[1])
}

func TestCSVSemicolonAndCharset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pl.csv")
	// "Łódź" in windows-1250
	city := []byte{0xA3, 0xF3, 'd', 0x9F}
	body := append([]byte("part_number;city\nA100;"), city...)
	body = append(body, '\n')
	require.NoError(t, os.WriteFile(path, body, 0o644))

	r, err := Open(path, Options{Charset: "cp1250"})
	require.NoError(t, err)
	rows, err := r.ReadAll([]string{"part_number", "city"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"A100", "Łódź"}, rows[0].Cells)
}

func TestCSVLateMultiByteStaysUTF8(t *testing.T) {
	var b strings.Builder
	b.WriteString("part_number,description,manufacturer\n")
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&b, "A%04d,plain ascii description number %d,Acme\n", i, i)
	}
	b.WriteString("B200,Müller Zündkerze,Bosch\n")
	require.Greater(t, b.Len(), 4096)

	path := filepath.Join(t.TempDir(), "late.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	r, err := Open(path, Options{})
	require.NoError(t, err)
	rows, err := r.ReadAll([]string{"part_number", "description", "manufacturer"})
	require.NoError(t, err)
	require.Len(t, rows, 121)
	assert.Equal(t, []string{"B200", "Müller Zündkerze", "Bosch"}, rows[120].Cells)
}

func TestCSVLegacyBytesWithoutConfiguredCharset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.csv")
	// "Müller" in windows-1252
	body := []byte("part_number,description\nB200,M\xfcller\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	r, err := Open(path, Options{})
	require.NoError(t, err)
	rows, err := r.ReadAll([]string{"part_number", "description"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Müller", rows[0].Cells[1])
}

func TestSniffCharset(t *testing.T) {
	assert.Equal(t, "utf-8", sniffCharset([]byte("part_number,description\n")))
	assert.Equal(t, "utf-8", sniffCharset([]byte("\xef\xbb\xbfpart_number\n")))
	assert.Equal(t, "utf-8", sniffCharset([]byte("a,M\xc3\xbcller\n")))
	// peek window ending inside a two-byte sequence
	assert.Equal(t, "utf-8", sniffCharset([]byte("a,M\xc3")))
	assert.Equal(t, "windows-1252", sniffCharset([]byte("a,M\xfcller\n")))
	assert.Equal(t, []byte("ab"), trimPartialRune([]byte("ab\xe2\x82")))
	assert.Equal(t, []byte("ab\xe2\x82\xac"), trimPartialRune([]byte("ab\xe2\x82\xac")))
}
