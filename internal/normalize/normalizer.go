// Package normalize converts raw portal downloads into styled .xlsx reports.
package normalize

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"classreports/internal/components/assert"
	"classreports/internal/components/chrono"
	"classreports/internal/components/telemetry"
	"classreports/internal/filter"
	"classreports/pkg/textutil"
)

const (
	report_normalizer_replace = "normalizer.replace"
	report_normalizer_publish = "normalizer.publish"
)

// StampFormat is the generation time stamp in report file names.
const StampFormat = "20060102-150405"

// Report is a normalized report placed in the reports directory. The file is
// never modified once it exists.
type Report struct {
	AccountID   string
	ReportType  filter.ReportType
	Path        string
	RowCount    int
	GeneratedAt time.Time
}

type Normalizer struct {
	dir    string
	policy OverwritePolicy
	clock  chrono.API
	tel    telemetry.API

	// note: fault injection point, runs on the fully written temp file
	beforePublish func(tmpPath string) error
}

func NewNormalizer(dir string, policy OverwritePolicy, clock chrono.API, tel telemetry.API) (*Normalizer, error) {
	assert.NotEmptyStr(dir)
	assert.NotNil(clock)
	assert.NotNil(tel)

	if policy == "" {
		policy = OverwriteSuffix
	}
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	return &Normalizer{
		dir:    dir,
		policy: policy,
		clock:  clock,
		tel:    telemetry.NewScopedAPI("normalize", tel),
	}, nil
}

func (n *Normalizer) Dir() string {
	return n.dir
}

// FileBase is the canonical file name (without extension) of a report
// generated at t.
func FileBase(accountID string, reportType filter.ReportType, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s", textutil.SafeFileName(accountID), reportType, t.Format(StampFormat))
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// readCSV reads a raw report, every record must have as many fields as the
// header.
func readCSV(path string) ([][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Reason: err.Error()}
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = 0

	var records [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			perr := &ParseError{Path: path, Reason: err.Error()}
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				perr.Row = csvErr.StartLine
				perr.Reason = csvErr.Err.Error()
			}
			return nil, perr
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return nil, &ParseError{Path: path, Reason: "file is empty"}
	}
	return records, nil
}

// parse reads and types a raw report against the schema of its type.
func parse(path string, reportType filter.ReportType) (table, error) {
	records, err := readCSV(path)
	if err != nil {
		return table{}, err
	}

	l, err := SchemaFor(reportType).match(records[0])
	if err != nil {
		return table{}, err
	}

	t := table{
		name:   reportType.Label(),
		header: l.header,
		kinds:  l.kinds,
	}
	for r, record := range records[1:] {
		cells := make([]any, len(l.sources))
		for c, source := range l.sources {
			if source < 0 {
				continue
			}
			v, err := coerce(l.kinds[c], record[source])
			if err != nil {
				return table{}, &ParseError{
					Path:   path,
					Row:    r + 2,
					Column: l.header[c],
					Value:  record[source],
					Reason: err.Error(),
				}
			}
			cells[c] = v
		}
		t.rows = append(t.rows, row{kind: rowData, cells: cells})
	}
	return t, nil
}

// Normalize converts the raw report at rawPath. It fails with *ParseError or
// *SchemaMismatch, in which case nothing is written to the reports directory.
// The raw file is left alone, deleting it is up to the caller.
func (n *Normalizer) Normalize(rawPath, accountID string, reportType filter.ReportType) (Report, error) {
	t, err := parse(rawPath, reportType)
	if err != nil {
		return Report{}, err
	}

	generatedAt := n.clock.Now()
	path, replaced, err := n.publish(
		FileBase(accountID, reportType, generatedAt),
		".xlsx",
		func(w io.Writer) error { return writeTables(w, []table{t}) },
	)
	if err != nil {
		n.tel.ReportBroken(report_normalizer_publish, err, rawPath)
		return Report{}, fmt.Errorf("write %s report for %s: %w", reportType, accountID, err)
	}
	if replaced {
		n.tel.ReportWarning(report_normalizer_replace, path)
	}

	return Report{
		AccountID:   accountID,
		ReportType:  reportType,
		Path:        path,
		RowCount:    t.dataRows(),
		GeneratedAt: generatedAt,
	}, nil
}
