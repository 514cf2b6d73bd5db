package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Interval and timestamp values are integer epoch milliseconds throughout the app.
const (
	SecMS  int64 = 1_000
	MinMS  int64 = 60_000
	HourMS int64 = 3_600_000
	DayMS  int64 = 86_400_000
	WeekMS int64 = 604_800_000

	// MaxTimeMS is used as an open-ended range end. Year 2065.
	MaxTimeMS int64 = 3_000_000_000_000
)

// Clock returns the current time in epoch milliseconds. It is passed around
// explicitly so tests can run against a deterministic time source.
type Clock func() int64

// Now is the real clock.
func Now() int64 {
	return time.Now().UnixMilli()
}

// FloorMultiple rounds value down to the nearest multiple.
func FloorMultiple(value, multiple int64) int64 {
	mod := value % multiple
	if mod < 0 {
		mod += multiple
	}
	return value - mod
}

// CeilMultiple rounds value up to the nearest multiple.
func CeilMultiple(value, multiple int64) int64 {
	floored := FloorMultiple(value, multiple)
	if floored == value {
		return value
	}
	return floored + multiple
}

// FloorInterval rounds a timestamp down to an interval boundary. Some
// exchanges anchor certain intervals (weekly, for example) away from the
// epoch; offset carries that per-interval correction.
func FloorInterval(ts, interval, offset int64) int64 {
	return FloorMultiple(ts-offset, interval) + offset
}

// CeilInterval rounds a timestamp up to an interval boundary, offset-aware.
func CeilInterval(ts, interval, offset int64) int64 {
	return CeilMultiple(ts-offset, interval) + offset
}

// OnBoundary reports whether a timestamp falls exactly on an interval
// boundary for the given offset.
func OnBoundary(ts, interval, offset int64) bool {
	return (ts-offset)%interval == 0
}

var intervalUnits = []struct {
	symbol string
	ms     int64
}{
	{"w", WeekMS},
	{"d", DayMS},
	{"h", HourMS},
	{"m", MinMS},
	{"s", SecMS},
}

// FormatInterval renders an interval like 90000000 as "1d1h".
func FormatInterval(interval int64) string {
	if interval <= 0 {
		return "0ms"
	}
	var sb strings.Builder
	rem := interval
	for _, unit := range intervalUnits {
		if n := rem / unit.ms; n > 0 {
			sb.WriteString(strconv.FormatInt(n, 10))
			sb.WriteString(unit.symbol)
			rem -= n * unit.ms
		}
	}
	if rem > 0 {
		sb.WriteString(strconv.FormatInt(rem, 10))
		sb.WriteString("ms")
	}
	return sb.String()
}

// ParseInterval parses interval notation like "1m", "4h" or "1d12h" into
// epoch milliseconds.
func ParseInterval(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty interval")
	}
	var total int64
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i == len(rest) {
			return 0, errors.Errorf("invalid interval %q", s)
		}
		n, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return 0, errors.Errorf("invalid interval %q", s)
		}
		var ms int64
		for _, unit := range intervalUnits {
			if strings.HasPrefix(rest[i:], unit.symbol) {
				ms = unit.ms
				rest = rest[i+len(unit.symbol):]
				break
			}
		}
		if ms == 0 {
			return 0, errors.Errorf("invalid interval unit in %q", s)
		}
		total += n * ms
	}
	return total, nil
}

// FormatTimestamp renders an epoch-ms timestamp as UTC RFC 3339.
func FormatTimestamp(ts int64) string {
	return time.UnixMilli(ts).UTC().Format(time.RFC3339)
}

// FormatSpan renders a half-open [start, end) range for log messages.
func FormatSpan(start, end int64) string {
	return fmt.Sprintf("%v - %v", FormatTimestamp(start), FormatTimestamp(end))
}
