package timewindow

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidLookbackFormat is returned for lookback or duration expressions that cannot be parsed
var ErrInvalidLookbackFormat = errors.New("invalid lookback format")

// Unit is the unit of a Duration
type Unit int

const (
	Days Unit = iota
	Hours
	Minutes
)

func (u Unit) suffix() string {
	switch u {
	case Hours:
		return "h"
	case Minutes:
		return "m"
	default:
		return "d"
	}
}

// Duration is an amount of days, hours or minutes as written in a lookback expression
type Duration struct {
	Amount int
	Unit   Unit
}

func (u Unit) span() time.Duration {
	switch u {
	case Hours:
		return time.Hour
	case Minutes:
		return time.Minute
	default:
		return 24 * time.Hour
	}
}

// Std converts the duration to a time.Duration, saturating at the largest
// representable value
func (d Duration) Std() time.Duration {
	unit := d.Unit.span()
	if int64(d.Amount) > int64(math.MaxInt64/unit) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d.Amount) * unit
}

func (d Duration) String() string {
	return strconv.Itoa(d.Amount) + d.Unit.suffix()
}

// Kind tags the variant held by a Lookback
type Kind int

const (
	Single Kind = iota
	Range
	IntradayMinutes
)

func (k Kind) String() string {
	switch k {
	case Range:
		return "range"
	case IntradayMinutes:
		return "intraday"
	default:
		return "single"
	}
}

// Lookback is a parsed lookback expression. Span is set for Single and
// IntradayMinutes, Far and Near for Range.
type Lookback struct {
	Kind Kind
	Span Duration
	Far  Duration
	Near Duration
	raw  string
}

func (l Lookback) String() string {
	if l.raw != "" {
		return l.raw
	}
	if l.Kind == Range {
		return fmt.Sprintf("(%s:%s)", l.Far, l.Near)
	}
	return l.Span.String()
}

var durationPattern = regexp.MustCompile(`^(\d+)([dhm]?)$`)

// ParseDuration parses "<N>d", "<N>h", "<N>m" or a bare "<N>" meaning days
func ParseDuration(s string) (Duration, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	m := durationPattern.FindStringSubmatch(v)
	if m == nil {
		return Duration{}, fmt.Errorf("%w: %q", ErrInvalidLookbackFormat, s)
	}

	amount, err := strconv.Atoi(m[1])
	if err != nil {
		return Duration{}, fmt.Errorf("%w: %q", ErrInvalidLookbackFormat, s)
	}

	d := Duration{Amount: amount, Unit: Days}
	switch m[2] {
	case "h":
		d.Unit = Hours
	case "m":
		d.Unit = Minutes
	}
	if int64(amount) > int64(math.MaxInt64/d.Unit.span()) {
		return Duration{}, fmt.Errorf("%w: %q is out of range", ErrInvalidLookbackFormat, s)
	}
	return d, nil
}

// ParseLookback parses a lookback expression into its tagged variant.
// "(far:near)" yields a Range normalized so that Far is the older bound,
// a bare minute expression yields IntradayMinutes and anything else a Single.
func ParseLookback(s string) (Lookback, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return Lookback{}, fmt.Errorf("%w: empty", ErrInvalidLookbackFormat)
	}

	if strings.HasPrefix(v, "(") {
		if !strings.HasSuffix(v, ")") {
			return Lookback{}, fmt.Errorf("%w: %q", ErrInvalidLookbackFormat, s)
		}
		parts := strings.Split(v[1:len(v)-1], ":")
		if len(parts) != 2 {
			return Lookback{}, fmt.Errorf("%w: %q", ErrInvalidLookbackFormat, s)
		}
		far, err := ParseDuration(parts[0])
		if err != nil {
			return Lookback{}, err
		}
		near, err := ParseDuration(parts[1])
		if err != nil {
			return Lookback{}, err
		}
		if far.Std() < near.Std() {
			far, near = near, far
		}
		return Lookback{Kind: Range, Far: far, Near: near, raw: v}, nil
	}

	d, err := ParseDuration(v)
	if err != nil {
		return Lookback{}, err
	}
	kind := Single
	if d.Unit == Minutes {
		kind = IntradayMinutes
	}
	return Lookback{Kind: kind, Span: d, raw: v}, nil
}

// IsIntradayMinuteSpec reports whether s is a bare "<N>m" expression
func IsIntradayMinuteSpec(s string) bool {
	l, err := ParseLookback(s)
	return err == nil && l.Kind == IntradayMinutes
}

// DateRange returns the calendar window the lookback covers relative to now
func (l Lookback) DateRange(now time.Time) (start, end time.Time) {
	if l.Kind == Range {
		return StartOfDay(now.Add(-l.Far.Std())), StartOfDay(now.Add(-l.Near.Std()))
	}
	return StartOfDay(now.Add(-l.Span.Std())), StartOfDay(now)
}

// IntradayWindow returns today's date and the HH:MM:SS bounds of the
// window [now-span, now]. The start is clamped to midnight.
func (l Lookback) IntradayWindow(now time.Time) (day time.Time, startTime, endTime string) {
	day = StartOfDay(now)
	from := now.Add(-l.Span.Std())
	if from.Before(day) {
		from = day
	}
	return day, from.Format("15:04:05"), now.Format("15:04:05")
}

var clockPattern = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// ParseClock parses an "HH:MM" wall-clock time
func ParseClock(s string) (hour, minute int, err error) {
	m := clockPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, nil
}
