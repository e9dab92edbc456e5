package normalize

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"classreports/internal/components/chrono"
	"classreports/internal/components/telemetry"
	"classreports/internal/filter"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var generated = time.Date(2024, time.March, 10, 6, 30, 5, 0, time.UTC)

func newTestNormalizer(t *testing.T, policy OverwritePolicy) (*Normalizer, *telemetry.Recorder) {
	tel := &telemetry.Recorder{}
	n, err := NewNormalizer(filepath.Join(t.TempDir(), "reports"), policy, chrono.FixedImpl{Time: generated}, tel)
	require.NoError(t, err)
	return n, tel
}

func writeRaw(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "raw.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readRows(t *testing.T, path string) (string, [][]string) {
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	return sheet, rows
}

func listDir(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestNormalizeStudentUsage(t *testing.T) {
	n, _ := newTestNormalizer(t, OverwriteSuffix)
	raw := writeRaw(t, "\ufeff"+
		"Student Name,Classroom,District ID,Grade,Teacher,Listen,Read,Quiz,Interactivity,Practice Recording,Notes\n"+
		"Ana Perez,Room 4,00123,2,Ms. Smith,\"1,200\",15,3,N/A,--,great\n"+
		"Ben Ode,Room 4,00124,2,Ms. Smith,0,0,0,0,0,\n"+
		"Ben Ode,Room 4,00124,2,Ms. Smith,0,0,0,0,0,\n")

	report, err := n.Normalize(raw, "teacher one", filter.StudentUsage)
	require.NoError(t, err)
	require.Equal(t, 3, report.RowCount, "duplicate rows are kept")
	require.Equal(t, filepath.Join(n.Dir(), "teacher_one_student_usage_20240310-063005.xlsx"), report.Path)
	require.Equal(t, generated, report.GeneratedAt)

	sheet, rows := readRows(t, report.Path)
	require.Equal(t, "Student Usage", sheet)
	require.Equal(t, []string{
		"Student Name", "Classroom", "District ID", "Grade", "Teacher",
		"Listen", "Read", "Quiz", "Interactivity", "Practice Recording", "Notes",
	}, rows[0])
	require.Equal(t, []string{"Ana Perez", "Room 4", "00123", "2", "Ms. Smith", "1200", "15", "3", "", "", "great"}, rows[1])
	require.Len(t, rows, 4)

	require.Equal(t, []string{"teacher_one_student_usage_20240310-063005.xlsx"}, listDir(t, n.Dir()))
}

func TestNormalizeTypedColumns(t *testing.T) {
	n, _ := newTestNormalizer(t, OverwriteSuffix)
	raw := writeRaw(t, "Student,Assessment Name,Level,Score,Date Taken\n"+
		"Ana Perez,Running Record,J,92.5%,03/05/2024\n"+
		"Ben Ode,Running Record,K,-,\"March 6, 2024\"\n")

	report, err := n.Normalize(raw, "a", filter.Assessment)
	require.NoError(t, err)

	_, rows := readRows(t, report.Path)
	require.Equal(t, []string{"Student Name", "Assessment", "Level", "Score", "Date"}, rows[0])
	require.Equal(t, "0.925", rows[1][3])

	serial, err := excelize.ExcelDateToTime(mustFloat(t, rows[1][4]), false)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC), serial)
	require.Len(t, rows[2], 5)
	require.Equal(t, "", rows[2][3])
}

func TestNormalizeZeroRows(t *testing.T) {
	n, _ := newTestNormalizer(t, OverwriteSuffix)
	raw := writeRaw(t, "Skill Name,Correct,Total,Accuracy\r\n")

	report, err := n.Normalize(raw, "a", filter.Skill)
	require.NoError(t, err)
	require.Zero(t, report.RowCount)

	sheet, rows := readRows(t, report.Path)
	require.Equal(t, "Skill", sheet)
	require.Equal(t, [][]string{{"Skill Name", "Correct", "Total", "Accuracy"}}, rows)
}

func TestNormalizeFuzzyHeader(t *testing.T) {
	n, _ := newTestNormalizer(t, OverwriteSuffix)
	raw := writeRaw(t, "Skil Name,Corect,Total,Accuracy\nPhonics,8,10,80%\n")

	report, err := n.Normalize(raw, "a", filter.Skill)
	require.NoError(t, err)
	_, rows := readRows(t, report.Path)
	require.Equal(t, []string{"Skill Name", "Correct", "Total", "Accuracy"}, rows[0])
	require.Equal(t, []string{"Phonics", "8", "10", "0.8"}, rows[1])
}

func TestNormalizeSchemaMismatch(t *testing.T) {
	cases := []struct {
		name      string
		content   string
		missing   []string
		reordered []string
	}{
		{
			name:    "missing required column",
			content: "Skill Name,Correct,Total\nPhonics,8,10\n",
			missing: []string{"Accuracy"},
		},
		{
			name:      "required columns moved too far",
			content:   "Read,Student Name,Listen\n1,Ana,2\n",
			reordered: []string{"Read"},
		},
	}

	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			n, _ := newTestNormalizer(t, OverwriteSuffix)
			reportType := filter.Skill
			if test.reordered != nil {
				reportType = filter.StudentUsage
			}

			_, err := n.Normalize(writeRaw(t, test.content), "a", reportType)
			var mismatch *SchemaMismatch
			require.ErrorAs(t, err, &mismatch)
			require.Equal(t, test.missing, mismatch.Missing)
			require.Equal(t, test.reordered, mismatch.Reordered)
			require.Empty(t, listDir(t, n.Dir()), "nothing is published")
		})
	}
}

func TestNormalizeSwappedNeighboursAreTolerated(t *testing.T) {
	n, _ := newTestNormalizer(t, OverwriteSuffix)
	raw := writeRaw(t, "Student Name,Read,Listen\nAna,1,2\n")

	report, err := n.Normalize(raw, "a", filter.StudentUsage)
	require.NoError(t, err)
	_, rows := readRows(t, report.Path)
	// canonical order
	require.Equal(t, "Listen", rows[0][5])
	require.Equal(t, "2", rows[1][5])
	require.Equal(t, "1", rows[1][6])
}

func TestNormalizeParseErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		row     int
		column  string
	}{
		{name: "empty file", content: ""},
		{name: "only a bom", content: "\ufeff"},
		{name: "ragged row", content: "Skill Name,Correct,Total,Accuracy\nPhonics,8,10\n", row: 2},
		{name: "bad integer", content: "Skill Name,Correct,Total,Accuracy\nPhonics,eight,10,80%\n", row: 2, column: "Correct"},
		{name: "bad percent", content: "Skill Name,Correct,Total,Accuracy\nPhonics,8,10,high\n", row: 2, column: "Accuracy"},
	}

	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			n, _ := newTestNormalizer(t, OverwriteSuffix)
			_, err := n.Normalize(writeRaw(t, test.content), "a", filter.Skill)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			require.Equal(t, test.row, perr.Row)
			require.Equal(t, test.column, perr.Column)
			require.Empty(t, listDir(t, n.Dir()))
		})
	}
}

func TestNormalizeTwiceKeepsBoth(t *testing.T) {
	n, tel := newTestNormalizer(t, OverwriteSuffix)
	raw := writeRaw(t, "Skill Name,Correct,Total,Accuracy\nPhonics,8,10,80%\n")

	first, err := n.Normalize(raw, "a", filter.Skill)
	require.NoError(t, err)
	second, err := n.Normalize(raw, "a", filter.Skill)
	require.NoError(t, err)

	require.NotEqual(t, first.Path, second.Path)
	require.Equal(t, filepath.Join(n.Dir(), "a_skill_20240310-063005-2.xlsx"), second.Path)
	require.Len(t, listDir(t, n.Dir()), 2)
	require.Empty(t, tel.Reports("warning"))
}

func TestNormalizeReplacePolicy(t *testing.T) {
	n, tel := newTestNormalizer(t, OverwriteReplace)

	first, err := n.Normalize(writeRaw(t, "Skill Name,Correct,Total,Accuracy\nPhonics,8,10,80%\n"), "a", filter.Skill)
	require.NoError(t, err)
	second, err := n.Normalize(writeRaw(t, "Skill Name,Correct,Total,Accuracy\nVowels,1,2,50%\nBlends,2,2,100%\n"), "a", filter.Skill)
	require.NoError(t, err)

	require.Equal(t, first.Path, second.Path)
	require.Len(t, listDir(t, n.Dir()), 1)
	_, rows := readRows(t, second.Path)
	require.Len(t, rows, 3)

	warnings := tel.Reports("warning")
	require.Len(t, warnings, 1)
	require.Equal(t, "normalize: "+report_normalizer_replace, warnings[0].ID)
}

func TestNormalizeFailureLeavesNoFile(t *testing.T) {
	n, tel := newTestNormalizer(t, OverwriteSuffix)
	n.beforePublish = func(tmpPath string) error {
		_, err := os.Stat(tmpPath)
		require.NoError(t, err, "the temp file exists while writing")
		return errors.New("disk full")
	}

	_, err := n.Normalize(writeRaw(t, "Skill Name,Correct,Total,Accuracy\nPhonics,8,10,80%\n"), "a", filter.Skill)
	require.ErrorContains(t, err, "disk full")
	require.Empty(t, listDir(t, n.Dir()))
	require.Len(t, tel.Reports("broken"), 1)
}

func TestCombine(t *testing.T) {
	n, _ := newTestNormalizer(t, OverwriteSuffix)

	a, err := n.Normalize(writeRaw(t, "Skill Name,Correct,Total,Accuracy\nPhonics,8,10,80%\nVowels,1,2,50%\n"), "a", filter.Skill)
	require.NoError(t, err)
	b, err := n.Normalize(writeRaw(t, "Skill Name,Correct,Total,Accuracy,Unit\nBlends,2,2,100%,3\n"), "b", filter.Skill)
	require.NoError(t, err)
	usage, err := n.Normalize(writeRaw(t, "Student Name,Listen,Read\nAna,1,2\n"), "a", filter.StudentUsage)
	require.NoError(t, err)

	path, err := n.Combine([]Report{a, b, usage}, "combined")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(n.Dir(), "combined_20240310-063005.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, []string{"Student Usage", "Skill"}, f.GetSheetList())

	rows, err := f.GetRows("Skill", excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"Skill Name", "Correct", "Total", "Accuracy", "Unit"},
		{"User: a"},
		{"Phonics", "8", "10", "0.8"},
		{"Vowels", "1", "2", "0.5"},
		{"User: b"},
		{"Blends", "2", "2", "1", "3"},
		{"Total rows", "3"},
	}, rows)
}

func TestSheetNames(t *testing.T) {
	require.Equal(t, "Q1_Q2 results_ _draft_", sanitizeSheetName("Q1/Q2 results: [draft]"))
	require.Len(t, []rune(sanitizeSheetName("an extremely long report name that excel rejects")), 31)

	taken := map[string]bool{"skill": true, "skill_1": true}
	require.Equal(t, "Skill_2", uniqueSheetName("Skill", taken))
	require.Equal(t, "Assessment", uniqueSheetName("Assessment", taken))
}

func TestCoerce(t *testing.T) {
	cases := []struct {
		kind   Kind
		raw    string
		expect any
		err    bool
	}{
		{kind: KindInteger, raw: " 1,234 ", expect: int64(1234)},
		{kind: KindInteger, raw: "12.0", expect: int64(12)},
		{kind: KindInteger, raw: "12.5", err: true},
		{kind: KindDecimal, raw: "3.25", expect: 3.25},
		{kind: KindPercent, raw: "85%", expect: 0.85},
		{kind: KindPercent, raw: "0%", expect: 0.0},
		{kind: KindDate, raw: "2024-03-05", expect: time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)},
		{kind: KindDate, raw: "3/5/2024", expect: time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)},
		{kind: KindDate, raw: "Mar 5, 2024", expect: time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)},
		{kind: KindDate, raw: "yesterday", err: true},
		{kind: KindText, raw: "  00123 ", expect: "00123"},
		{kind: KindInteger, raw: "N/A", expect: nil},
		{kind: KindDate, raw: "--", expect: nil},
	}

	for _, test := range cases {
		v, err := coerce(test.kind, test.raw)
		if test.err {
			require.Error(t, err, test.raw)
			continue
		}
		require.NoError(t, err, test.raw)
		require.Equal(t, test.expect, v, test.raw)
	}
}

func TestWidths(t *testing.T) {
	tb := table{
		header: []string{"A", "Name"},
		kinds:  []Kind{KindPercent, KindText},
		rows: []row{
			{kind: rowData, cells: []any{0.5, "a very long value that keeps going and going past fifty characters"}},
			{kind: rowSeparator, cells: []any{"User: someone with a long name", nil}},
		},
	}
	require.Equal(t, []int{5, 50}, tb.widths())
}

func mustFloat(t *testing.T, s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	require.NoError(t, err)
	return f
}
