package deident

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Preserve constrains a date shift.
type Preserve string

const (
	PreserveNone    Preserve = "NONE"
	PreserveWeekday Preserve = "WEEKDAY"
	PreserveDaytime Preserve = "DAYTIME"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// DateShiftConfig is the "dateShift" block of a deidentificator. A zero
// MaxDateShift disables shifting.
type DateShiftConfig struct {
	MaxDateShift time.Duration `mapstructure:"maxDateShift"`
	Preserve     Preserve      `mapstructure:"preserve"`
	Seed         string        `mapstructure:"seed"`
}

func (c DateShiftConfig) Enabled() bool { return c.MaxDateShift > 0 }

func (c DateShiftConfig) Validate() error {
	if c.MaxDateShift < 0 {
		return fmt.Errorf("dateShift.maxDateShift must not be negative")
	}
	switch Preserve(strings.ToUpper(string(c.Preserve))) {
	case "", PreserveNone, PreserveWeekday, PreserveDaytime:
	default:
		return fmt.Errorf("dateShift.preserve must be NONE, WEEKDAY or DAYTIME, got %q", c.Preserve)
	}
	if c.Enabled() && c.Seed == "" {
		return fmt.Errorf("dateShift.seed is required when maxDateShift is set")
	}
	return nil
}

// ShiftFor derives the shift of one patient. The same seed, patient and
// settings always give the same shift, bounded by maxShift in both
// directions.
func ShiftFor(seed, patientID string, maxShift time.Duration, preserve Preserve) time.Duration {
	if maxShift <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(seed + patientID))
	n := binary.BigEndian.Uint64(sum[:8])

	switch Preserve(strings.ToUpper(string(preserve))) {
	case PreserveWeekday:
		return periodShift(n, maxShift, week)
	case PreserveDaytime:
		return periodShift(n, maxShift, day)
	}
	span := uint64(2 * maxShift.Milliseconds())
	if span == 0 {
		return 0
	}
	return time.Duration(int64(n%span)-maxShift.Milliseconds()) * time.Millisecond
}

// periodShift returns a whole number of periods in [-max, max].
func periodShift(n uint64, maxShift, period time.Duration) time.Duration {
	periods := int64(maxShift / period)
	return time.Duration(int64(n%uint64(2*periods+1))-periods) * period
}

var dateValue = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:\d{2})?)?$`)

// ShiftDate shifts a FHIR date, dateTime or instant and renders it with the
// precision of the input. Year and year-month values carry no day to shift
// and are reported as not shiftable, like any non-date string.
func ShiftDate(value string, shift time.Duration) (string, bool) {
	if !dateValue.MatchString(value) {
		return "", false
	}
	layout := layoutOf(value)
	t, err := time.Parse(layout, value)
	if err != nil {
		return "", false
	}
	return t.Add(shift).Format(layout), true
}

// layoutOf builds the time layout matching value's precision.
func layoutOf(value string) string {
	if len(value) == len(time.DateOnly) {
		return time.DateOnly
	}
	layout := "2006-01-02T15:04"
	rest := value[len(layout):]
	if strings.HasPrefix(rest, ":") {
		layout += ":05"
		rest = rest[3:]
	}
	if strings.HasPrefix(rest, ".") {
		digits := strings.IndexAny(rest[1:], "Z+-")
		if digits < 0 {
			digits = len(rest) - 1
		}
		layout += "." + strings.Repeat("0", digits)
		rest = rest[1+digits:]
	}
	if rest != "" {
		layout += "Z07:00"
	}
	return layout
}

// shiftDates shifts every date-valued string of the resource in place.
// Identity fields are never touched.
func shiftDates(v any, shift time.Duration) int {
	shifted := 0
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			if k == "id" || k == "reference" {
				continue
			}
			if s, ok := e.(string); ok {
				if out, ok := ShiftDate(s, shift); ok {
					t[k] = out
					shifted++
				}
				continue
			}
			shifted += shiftDates(e, shift)
		}
	case []any:
		for i, e := range t {
			if s, ok := e.(string); ok {
				if out, ok := ShiftDate(s, shift); ok {
					t[i] = out
					shifted++
				}
				continue
			}
			shifted += shiftDates(e, shift)
		}
	}
	return shifted
}
