package normalize

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const (
	headerColor     = "D4E6F1"
	headerFontColor = "000000"

	minColumnWidth = 2
	maxColumnWidth = 50

	maxSheetName = 31
)

type rowKind int

const (
	rowData rowKind = iota
	// rowSeparator starts the rows of one account in a combined sheet.
	rowSeparator
	rowSummary
)

type row struct {
	kind  rowKind
	cells []any
}

// table is one sheet worth of typed values.
type table struct {
	name   string
	header []string
	kinds  []Kind
	rows   []row
}

func (t table) dataRows() int {
	n := 0
	for _, r := range t.rows {
		if r.kind == rowData {
			n++
		}
	}
	return n
}

// widths sizes every column to its longest value plus padding.
func (t table) widths() []int {
	widths := make([]int, len(t.header))
	for c, h := range t.header {
		widths[c] = utf8.RuneCountInString(h)
	}
	for _, r := range t.rows {
		if r.kind == rowSeparator {
			// a separator spans the row, it shouldn't widen the first column
			continue
		}
		for c, v := range r.cells {
			if c >= len(widths) {
				break
			}
			n := utf8.RuneCountInString(display(t.kinds[c], v))
			if n > widths[c] {
				widths[c] = n
			}
		}
	}
	for c := range widths {
		widths[c] = min(max(widths[c]+2, minColumnWidth), maxColumnWidth)
	}
	return widths
}

var invalidSheetChars = strings.NewReplacer(
	":", "_",
	`\`, "_",
	"/", "_",
	"?", "_",
	"*", "_",
	"[", "_",
	"]", "_",
)

// sanitizeSheetName truncates to the 31 characters excel allows and replaces
// the characters it rejects.
func sanitizeSheetName(name string) string {
	name = invalidSheetChars.Replace(name)
	if utf8.RuneCountInString(name) > maxSheetName {
		name = string([]rune(name)[:maxSheetName])
	}
	if name == "" {
		name = "Sheet"
	}
	return name
}

// uniqueSheetName appends _1, _2... until the name is not taken, sheet names
// are case insensitive.
func uniqueSheetName(name string, taken map[string]bool) string {
	name = sanitizeSheetName(name)
	if !taken[strings.ToLower(name)] {
		return name
	}
	base := []rune(name)
	if len(base) > maxSheetName-4 {
		base = base[:maxSheetName-4]
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d", string(base), n)
		if !taken[strings.ToLower(candidate)] {
			return candidate
		}
	}
}

type styles struct {
	header  int
	summary int
	percent int
	date    int
}

func newStyles(f *excelize.File) (styles, error) {
	var s styles
	var err error

	fill := excelize.Fill{Type: "pattern", Color: []string{headerColor}, Pattern: 1}
	font := &excelize.Font{Bold: true, Color: headerFontColor}

	s.header, err = f.NewStyle(&excelize.Style{
		Fill:      fill,
		Font:      font,
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return s, err
	}
	s.summary, err = f.NewStyle(&excelize.Style{
		Fill:      fill,
		Font:      font,
		Alignment: &excelize.Alignment{Horizontal: "left", Vertical: "center"},
	})
	if err != nil {
		return s, err
	}
	// 0%
	s.percent, err = f.NewStyle(&excelize.Style{NumFmt: 9})
	if err != nil {
		return s, err
	}
	dateFormat := "m/d/yyyy"
	s.date, err = f.NewStyle(&excelize.Style{CustomNumFmt: &dateFormat})
	if err != nil {
		return s, err
	}
	return s, nil
}

func (s styles) cell(kind Kind, v any) any {
	if v == nil {
		return nil
	}
	switch kind {
	case KindPercent:
		return excelize.Cell{StyleID: s.percent, Value: v}
	case KindDate:
		return excelize.Cell{StyleID: s.date, Value: v}
	default:
		return v
	}
}

// writeTables streams every table into its own sheet of a new workbook and
// writes the workbook to w.
func writeTables(w io.Writer, tables []table) error {
	f := excelize.NewFile()
	defer f.Close()

	st, err := newStyles(f)
	if err != nil {
		return fmt.Errorf("create styles: %w", err)
	}

	taken := map[string]bool{}
	for i, t := range tables {
		name := uniqueSheetName(t.name, taken)
		taken[strings.ToLower(name)] = true

		if i == 0 {
			err = f.SetSheetName(f.GetSheetName(0), name)
		} else {
			_, err = f.NewSheet(name)
		}
		if err != nil {
			return fmt.Errorf("create sheet %q: %w", name, err)
		}

		err = writeTable(f, name, t, st)
		if err != nil {
			return fmt.Errorf("write sheet %q: %w", name, err)
		}
	}

	_, err = f.WriteTo(w)
	return err
}

func writeTable(f *excelize.File, sheet string, t table, st styles) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}

	// widths must be set before the first row is streamed
	for c, width := range t.widths() {
		err = sw.SetColWidth(c+1, c+1, float64(width))
		if err != nil {
			return err
		}
	}

	header := make([]any, len(t.header))
	for c, h := range t.header {
		header[c] = excelize.Cell{StyleID: st.header, Value: h}
	}
	err = sw.SetRow("A1", header)
	if err != nil {
		return err
	}

	for r, rw := range t.rows {
		cells := make([]any, len(rw.cells))
		for c, v := range rw.cells {
			switch rw.kind {
			case rowSeparator, rowSummary:
				if v != nil {
					cells[c] = excelize.Cell{StyleID: st.summary, Value: v}
				}
			default:
				kind := KindText
				if c < len(t.kinds) {
					kind = t.kinds[c]
				}
				cells[c] = st.cell(kind, v)
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		err = sw.SetRow(cell, cells)
		if err != nil {
			return err
		}
	}

	return sw.Flush()
}
