package tabular

// RowFilter admits the rows of one chunk during a streaming read.
// Row 1 is always admitted because it carries the header.
type RowFilter struct {
	Start int
	End   int
}

func NewRowFilter(start, end int) RowFilter {
	return RowFilter{Start: start, End: end}
}

func (f RowFilter) ShouldRead(row int) bool {
	if row == 1 {
		return true
	}
	return row >= f.Start && row <= f.End
}

// Past reports that every later row is outside the range too.
func (f RowFilter) Past(row int) bool {
	return row > f.End
}
