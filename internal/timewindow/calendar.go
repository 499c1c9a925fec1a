package timewindow

import (
	"fmt"
	"strings"
	"time"
)

const dayLayout = "20060102"

// Calendar reports market closures other than weekends
type Calendar interface {
	IsHoliday(day time.Time) bool
}

// FixedHolidays closes New Year's Day, Independence Day and Christmas every
// year. Observed-day shifting and other exchange closures are not modelled.
type FixedHolidays struct{}

func (FixedHolidays) IsHoliday(day time.Time) bool {
	switch {
	case day.Month() == time.January && day.Day() == 1:
		return true
	case day.Month() == time.July && day.Day() == 4:
		return true
	case day.Month() == time.December && day.Day() == 25:
		return true
	}
	return false
}

// DateSet is an explicit list of closed dates keyed by YYYYMMDD
type DateSet map[string]struct{}

// ParseDateSet builds a DateSet from YYYY-MM-DD or YYYYMMDD strings
func ParseDateSet(values []string) (DateSet, error) {
	set := make(DateSet, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			t, err = time.Parse(dayLayout, v)
			if err != nil {
				return nil, fmt.Errorf("invalid holiday date %q", v)
			}
		}
		set[FormatDay(t)] = struct{}{}
	}
	return set, nil
}

func (s DateSet) IsHoliday(day time.Time) bool {
	_, ok := s[FormatDay(day)]
	return ok
}

// Calendars is the union of several calendars
type Calendars []Calendar

func (cs Calendars) IsHoliday(day time.Time) bool {
	for _, c := range cs {
		if c != nil && c.IsHoliday(day) {
			return true
		}
	}
	return false
}

// IsWeekend reports whether day falls on Saturday or Sunday
func IsWeekend(day time.Time) bool {
	wd := day.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsTradingDay reports whether day is a weekday not closed by cal
func IsTradingDay(day time.Time, cal Calendar) bool {
	if IsWeekend(day) {
		return false
	}
	return cal == nil || !cal.IsHoliday(day)
}

// TradingDays enumerates the trading days in [start, end] in ascending order.
// A nil calendar excludes weekends only.
func TradingDays(start, end time.Time, cal Calendar) []time.Time {
	start, end = StartOfDay(start), StartOfDay(end)
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if IsTradingDay(d, cal) {
			days = append(days, d)
		}
	}
	return days
}

// StartOfDay truncates t to midnight in its own location
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// FormatDay renders a day as YYYYMMDD
func FormatDay(t time.Time) string {
	return t.Format(dayLayout)
}

// ParseDay parses a YYYYMMDD day in UTC
func ParseDay(s string) (time.Time, error) {
	return time.Parse(dayLayout, s)
}
