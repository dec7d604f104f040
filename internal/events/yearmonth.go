package events

import (
	"fmt"
	"time"
)

// YearMonth is a calendar month bound ("2018-04") used for fetch windows.
type YearMonth struct {
	Year  int
	Month time.Month
}

// ParseYearMonth parses the "YYYY-MM" wire format.
func ParseYearMonth(s string) (YearMonth, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return YearMonth{}, fmt.Errorf("invalid year-month %q: %w", s, err)
	}
	return YearMonth{Year: t.Year(), Month: t.Month()}, nil
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month))
}

// Before reports whether ym precedes other.
func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

// After reports whether ym follows other.
func (ym YearMonth) After(other YearMonth) bool {
	return other.Before(ym)
}

// MarshalJSON encodes the month as a "YYYY-MM" string.
func (ym YearMonth) MarshalJSON() ([]byte, error) {
	return []byte(`"` + ym.String() + `"`), nil
}

// UnmarshalJSON decodes the "YYYY-MM" wire format.
func (ym *YearMonth) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid year-month token %s", data)
	}
	parsed, err := ParseYearMonth(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*ym = parsed
	return nil
}
