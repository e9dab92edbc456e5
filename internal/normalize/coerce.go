package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseError means a raw report could not be read as a table. Row and Column
// are 1 based and zero when they don't apply.
type ParseError struct {
	Path   string
	Row    int
	Column string
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	switch {
	case e.Row > 0 && e.Column != "":
		return fmt.Sprintf("parse %s: row %d, column %q: %s (%q)", e.Path, e.Row, e.Column, e.Reason, e.Value)
	case e.Row > 0:
		return fmt.Sprintf("parse %s: row %d: %s", e.Path, e.Row, e.Reason)
	default:
		return fmt.Sprintf("parse %s: %s", e.Path, e.Reason)
	}
}

var blanks = map[string]bool{
	"":    true,
	"-":   true,
	"--":  true,
	"N/A": true,
	"n/a": true,
}

var dateLayouts = []string{
	"01/02/2006",
	"1/2/2006",
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
}

func cleanNumber(s string) string {
	s = strings.ReplaceAll(s, ",", "")
	return strings.TrimSpace(s)
}

// coerce converts a raw CSV value to the typed value written to the workbook.
// Blank values are nil for every kind.
func coerce(kind Kind, raw string) (any, error) {
	s := strings.TrimSpace(raw)
	if blanks[s] {
		return nil, nil
	}

	switch kind {
	case KindInteger:
		n, err := strconv.ParseInt(cleanNumber(s), 10, 64)
		if err != nil {
			// "12.0" is still a whole number
			f, ferr := strconv.ParseFloat(cleanNumber(s), 64)
			if ferr != nil || f != math.Trunc(f) {
				return nil, fmt.Errorf("not a whole number")
			}
			return int64(f), nil
		}
		return n, nil
	case KindDecimal:
		f, err := strconv.ParseFloat(cleanNumber(s), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number")
		}
		return f, nil
	case KindPercent:
		f, err := strconv.ParseFloat(cleanNumber(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return nil, fmt.Errorf("not a percentage")
		}
		return f / 100, nil
	case KindDate:
		for _, layout := range dateLayouts {
			t, err := time.Parse(layout, s)
			if err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("not a date")
	default:
		return s, nil
	}
}

// display renders a typed value roughly the way the workbook shows it, it is
// only used to size columns.
func display(kind Kind, v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if kind == KindPercent {
			return strconv.FormatFloat(v*100, 'f', 0, 64) + "%"
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.Format("1/2/2006")
	default:
		return fmt.Sprint(v)
	}
}
