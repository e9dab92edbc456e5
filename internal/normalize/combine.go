package normalize

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"classreports/internal/filter"
	"classreports/pkg/textutil"

	"github.com/xuri/excelize/v2"
)

const (
	separatorPrefix = "User: "
	totalRowsLabel  = "Total rows"
)

// readReport loads a normalized report back into a table, typed by the schema
// of its report type.
func readReport(path string, reportType filter.ReportType) (table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return table{}, err
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0), excelize.Options{RawCellValue: true})
	if err != nil {
		return table{}, err
	}
	if len(rows) == 0 {
		return table{}, fmt.Errorf("%s has no header", path)
	}

	t := table{name: reportType.Label(), header: rows[0]}
	t.kinds = kindsFor(reportType, t.header)
	for r, raw := range rows[1:] {
		cells := make([]any, len(t.header))
		for c := range t.header {
			if c >= len(raw) || raw[c] == "" {
				continue
			}
			v, err := fromRaw(t.kinds[c], raw[c])
			if err != nil {
				return table{}, fmt.Errorf("%s row %d column %q: %w", path, r+2, t.header[c], err)
			}
			cells[c] = v
		}
		t.rows = append(t.rows, row{kind: rowData, cells: cells})
	}
	return t, nil
}

func kindsFor(reportType filter.ReportType, header []string) []Kind {
	byName := map[string]Kind{}
	for _, col := range SchemaFor(reportType).Columns {
		byName[col.Name] = col.Kind
	}
	kinds := make([]Kind, len(header))
	for c, h := range header {
		kinds[c] = byName[h]
	}
	return kinds
}

// fromRaw parses a raw cell value as stored in a normalized workbook.
func fromRaw(kind Kind, raw string) (any, error) {
	switch kind {
	case KindInteger:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, err
		}
		return int64(f), nil
	case KindDecimal, KindPercent:
		return strconv.ParseFloat(raw, 64)
	case KindDate:
		serial, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, err
		}
		return excelize.ExcelDateToTime(serial, false)
	default:
		return raw, nil
	}
}

// combineType merges the reports of one type into a single table, every
// account's rows follow a "User: <account>" row and a row count closes the
// sheet.
func combineType(reportType filter.ReportType, reports []Report) (table, error) {
	combined := table{name: reportType.Label()}
	columns := map[string]int{}
	addColumn := func(name string, kind Kind) {
		if _, ok := columns[name]; ok {
			return
		}
		columns[name] = len(combined.header)
		combined.header = append(combined.header, name)
		combined.kinds = append(combined.kinds, kind)
	}
	for _, col := range SchemaFor(reportType).Columns {
		addColumn(col.Name, col.Kind)
	}

	var accounts []string
	byAccount := map[string][]table{}
	for _, r := range reports {
		t, err := readReport(r.Path, reportType)
		if err != nil {
			return table{}, err
		}
		for c, h := range t.header {
			addColumn(h, t.kinds[c])
		}
		if _, ok := byAccount[r.AccountID]; !ok {
			accounts = append(accounts, r.AccountID)
		}
		byAccount[r.AccountID] = append(byAccount[r.AccountID], t)
	}

	total := 0
	for _, account := range accounts {
		separator := make([]any, len(combined.header))
		separator[0] = separatorPrefix + account
		combined.rows = append(combined.rows, row{kind: rowSeparator, cells: separator})

		for _, t := range byAccount[account] {
			for _, r := range t.rows {
				cells := make([]any, len(combined.header))
				for c, v := range r.cells {
					cells[columns[t.header[c]]] = v
				}
				combined.rows = append(combined.rows, row{kind: rowData, cells: cells})
				total++
			}
		}
	}

	summary := make([]any, max(len(combined.header), 2))
	summary[0] = totalRowsLabel
	summary[1] = int64(total)
	combined.rows = append(combined.rows, row{kind: rowSummary, cells: summary})
	return combined, nil
}

// Combine builds one workbook out of normalized reports, one sheet per report
// type (in report type order). It is published like any other report, as
// <name>_<stamp>.xlsx.
func (n *Normalizer) Combine(reports []Report, name string) (string, error) {
	if len(reports) == 0 {
		return "", fmt.Errorf("combine: no reports")
	}

	byType := map[filter.ReportType][]Report{}
	for _, r := range reports {
		byType[r.ReportType] = append(byType[r.ReportType], r)
	}

	var tables []table
	for _, t := range filter.AllReportTypes {
		if len(byType[t]) == 0 {
			continue
		}
		combined, err := combineType(t, byType[t])
		if err != nil {
			return "", fmt.Errorf("combine %s: %w", t, err)
		}
		tables = append(tables, combined)
	}

	base := fmt.Sprintf("%s_%s", textutil.SafeFileName(strings.TrimSpace(name)), n.clock.Now().Format(StampFormat))
	path, replaced, err := n.publish(base, ".xlsx", func(w io.Writer) error {
		return writeTables(w, tables)
	})
	if err != nil {
		n.tel.ReportBroken(report_normalizer_publish, err, base)
		return "", fmt.Errorf("combine: %w", err)
	}
	if replaced {
		n.tel.ReportWarning(report_normalizer_replace, path)
	}
	return path, nil
}
