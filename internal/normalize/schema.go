package normalize

import (
	"fmt"
	"strings"

	"classreports/internal/filter"
	"classreports/pkg/textutil"

	"github.com/antzucaro/matchr"
)

// Kind is how the values of a column are typed in the workbook.
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindDecimal
	KindPercent
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindPercent:
		return "percent"
	case KindDate:
		return "date"
	default:
		return "text"
	}
}

type Column struct {
	Name     string
	Aliases  []string
	Kind     Kind
	Required bool
}

// Schema is the expected header of one report type, in portal order.
type Schema struct {
	ReportType filter.ReportType
	Columns    []Column
}

// fuzzyThreshold is the lowest jaro-winkler similarity a header may have to a
// column name to be taken for it.
const fuzzyThreshold = 0.9

// reorderTolerance is how many ranks a required column may move before the
// file no longer counts as the expected report.
const reorderTolerance = 1

var schemas = map[filter.ReportType]Schema{
	filter.StudentUsage: {
		ReportType: filter.StudentUsage,
		Columns: []Column{
			{Name: "Student Name", Aliases: []string{"Student"}, Required: true},
			{Name: "Classroom", Aliases: []string{"Class", "Classroom Name"}},
			{Name: "District ID", Aliases: []string{"Student ID"}},
			{Name: "Grade"},
			{Name: "Teacher", Aliases: []string{"Teacher Name"}},
			{Name: "Listen", Kind: KindInteger, Required: true},
			{Name: "Read", Kind: KindInteger, Required: true},
			{Name: "Quiz", Kind: KindInteger},
			{Name: "Interactivity", Kind: KindInteger},
			{Name: "Practice Recording", Aliases: []string{"Practice Recordings"}, Kind: KindInteger},
		},
	},
	filter.Skill: {
		ReportType: filter.Skill,
		Columns: []Column{
			{Name: "Skill Name", Aliases: []string{"Skill"}, Required: true},
			{Name: "Correct", Kind: KindInteger},
			{Name: "Total", Kind: KindInteger},
			{Name: "Accuracy", Kind: KindPercent, Required: true},
		},
	},
	filter.Assignment: {
		ReportType: filter.Assignment,
		Columns: []Column{
			{Name: "Student Name", Aliases: []string{"Student"}, Required: true},
			{Name: "Assignment", Aliases: []string{"Assignment Name"}, Required: true},
			{Name: "Status"},
			{Name: "Date Assigned", Aliases: []string{"Assigned"}, Kind: KindDate},
			{Name: "Date Completed", Aliases: []string{"Completed"}, Kind: KindDate},
			{Name: "Score", Kind: KindPercent},
		},
	},
	filter.Assessment: {
		ReportType: filter.Assessment,
		Columns: []Column{
			{Name: "Student Name", Aliases: []string{"Student"}, Required: true},
			{Name: "Assessment", Aliases: []string{"Assessment Name"}, Required: true},
			{Name: "Level"},
			{Name: "Score", Kind: KindPercent, Required: true},
			{Name: "Date", Aliases: []string{"Date Taken"}, Kind: KindDate},
		},
	},
	filter.LevelUpProgress: {
		ReportType: filter.LevelUpProgress,
		Columns: []Column{
			{Name: "Student Name", Aliases: []string{"Student"}, Required: true},
			{Name: "Classroom", Aliases: []string{"Class"}},
			{Name: "Grade"},
			{Name: "Teacher"},
			{Name: "Level", Aliases: []string{"Current Level"}, Required: true},
			{Name: "Progress", Kind: KindPercent},
		},
	},
}

// SchemaFor returns the schema of a report type.
func SchemaFor(t filter.ReportType) Schema {
	return schemas[t]
}

// SchemaMismatch means the header of a file is not the one expected for its
// report type.
type SchemaMismatch struct {
	ReportType filter.ReportType
	Header     []string
	Missing    []string
	Reordered  []string
}

func (e *SchemaMismatch) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Reordered) > 0 {
		parts = append(parts, fmt.Sprintf("out of order %s", strings.Join(e.Reordered, ", ")))
	}
	return fmt.Sprintf("%s header does not match: %s (got %q)", e.ReportType, strings.Join(parts, "; "), e.Header)
}

// layout maps output columns to source columns. Schema columns come first in
// schema order (source -1 when an optional column is absent), unknown source
// columns follow as text.
type layout struct {
	header  []string
	kinds   []Kind
	sources []int
}

func headerKey(s string) string {
	return textutil.NormalizeName(s)
}

func (c Column) keys() []string {
	keys := []string{headerKey(c.Name)}
	for _, a := range c.Aliases {
		keys = append(keys, headerKey(a))
	}
	return keys
}

// match binds header to the schema. Exact (or alias) matches are taken first
// for every column, fuzzy matches only fill what is left.
func (s Schema) match(header []string) (layout, error) {
	keys := make([]string, len(header))
	for i, h := range header {
		keys[i] = headerKey(h)
	}

	bound := make([]int, len(s.Columns))
	used := make([]bool, len(header))
	for c := range bound {
		bound[c] = -1
	}

	for c, col := range s.Columns {
		for _, key := range col.keys() {
			for i, k := range keys {
				if !used[i] && k == key {
					bound[c] = i
					used[i] = true
					break
				}
			}
			if bound[c] >= 0 {
				break
			}
		}
	}

	for c, col := range s.Columns {
		if bound[c] >= 0 {
			continue
		}
		best, bestScore := -1, 0.0
		for i, k := range keys {
			if used[i] || k == "" {
				continue
			}
			for _, key := range col.keys() {
				score := matchr.JaroWinkler(k, key, false)
				if score >= fuzzyThreshold && score > bestScore {
					best, bestScore = i, score
				}
			}
		}
		if best >= 0 {
			bound[c] = best
			used[best] = true
		}
	}

	mismatch := &SchemaMismatch{ReportType: s.ReportType, Header: header}
	var required []int
	for c, col := range s.Columns {
		if !col.Required {
			continue
		}
		if bound[c] < 0 {
			mismatch.Missing = append(mismatch.Missing, col.Name)
			continue
		}
		required = append(required, c)
	}

	// rank of each found required column in the file against its rank in the
	// schema
	for expected, c := range required {
		actual := 0
		for _, other := range required {
			if bound[other] < bound[c] {
				actual++
			}
		}
		if abs(actual-expected) > reorderTolerance {
			mismatch.Reordered = append(mismatch.Reordered, s.Columns[c].Name)
		}
	}
	if len(mismatch.Missing) > 0 || len(mismatch.Reordered) > 0 {
		return layout{}, mismatch
	}

	var l layout
	for c, col := range s.Columns {
		l.header = append(l.header, col.Name)
		l.kinds = append(l.kinds, col.Kind)
		l.sources = append(l.sources, bound[c])
	}
	for i, h := range header {
		if used[i] {
			continue
		}
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("Column %d", i+1)
		}
		l.header = append(l.header, name)
		l.kinds = append(l.kinds, KindText)
		l.sources = append(l.sources, i)
	}
	return l, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
