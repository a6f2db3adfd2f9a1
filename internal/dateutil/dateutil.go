// Package dateutil provides workday arithmetic and spreadsheet-style rounding
// used by the settlement calculator.
package dateutil

import (
	"math"
	"time"
)

// HolidaySet holds non-trading dates keyed by yyyy-mm-dd.
type HolidaySet map[string]struct{}

// NewHolidaySet builds a set from a list of dates, ignoring time-of-day.
func NewHolidaySet(dates ...time.Time) HolidaySet {
	s := make(HolidaySet, len(dates))
	for _, d := range dates {
		s[d.Format("2006-01-02")] = struct{}{}
	}
	return s
}

// Contains reports whether d is a holiday.
func (s HolidaySet) Contains(d time.Time) bool {
	if s == nil {
		return false
	}
	_, ok := s[d.Format("2006-01-02")]
	return ok
}

// IsBusinessDay reports whether d is neither a weekend nor a holiday.
func IsBusinessDay(d time.Time, holidays HolidaySet) bool {
	wd := d.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !holidays.Contains(d)
}

// Workday steps start one calendar day at a time, skipping Saturdays, Sundays
// and holidays, until |deltaDays| business days have been consumed. The sign
// of deltaDays sets the direction.
func Workday(start time.Time, deltaDays int, holidays HolidaySet) time.Time {
	if deltaDays == 0 {
		return start
	}
	step := 1
	if deltaDays < 0 {
		step = -1
		deltaDays = -deltaDays
	}
	d := start
	for consumed := 0; consumed < deltaDays; {
		d = d.AddDate(0, 0, step)
		if IsBusinessDay(d, holidays) {
			consumed++
		}
	}
	return d
}

// Weekday returns the ISO weekday of d: Monday=1 .. Sunday=7.
func Weekday(d time.Time) int {
	wd := int(d.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// MRound returns the multiple of step nearest to value, ties rounding away
// from zero (MROUND(1225, 50) = 1250). step must be positive; a non-positive
// step is a caller error and yields 0.
func MRound(value, step float64) float64 {
	if step <= 0 {
		return 0
	}
	if value < 0 {
		return -MRound(-value, step)
	}
	return math.Floor(value/step+0.5) * step
}
