package utils

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrEmptyDuration   = errors.New("duration is empty")
	ErrInvalidDuration = errors.New("invalid duration")
)

// MaxDurationMs is the longest duration, in milliseconds, that fits in a
// time.Duration. Longer values would wrap when added to a time.
const MaxDurationMs = int64(math.MaxInt64 / int64(time.Millisecond))

var durationPattern = regexp.MustCompile(`^(\d+)\s*([smhdw])$`)

var unitMillis = map[string]int64{
	"s": int64(time.Second / time.Millisecond),
	"m": int64(time.Minute / time.Millisecond),
	"h": int64(time.Hour / time.Millisecond),
	"d": int64(24 * time.Hour / time.Millisecond),
	"w": int64(7 * 24 * time.Hour / time.Millisecond),
}

// ParseDurationMs parses a single-unit duration such as "10m", "2h" or "3d"
// into milliseconds.
func ParseDurationMs(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, ErrEmptyDuration
	}
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	unit := unitMillis[m[2]]
	if n > MaxDurationMs/unit {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, s)
	}
	return n * unit, nil
}

// ParseDuration extends ParseDurationMs to time.Duration.
func ParseDuration(s string) (time.Duration, error) {
	ms, err := ParseDurationMs(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

type durationUnit struct {
	short string
	word  string
	ms    int64
}

var formatUnits = []durationUnit{
	{"d", "day", unitMillis["d"]},
	{"h", "hour", unitMillis["h"]},
	{"m", "minute", unitMillis["m"]},
	{"s", "second", unitMillis["s"]},
}

func splitDuration(ms int64) []int64 {
	parts := make([]int64, len(formatUnits))
	for i, u := range formatUnits {
		parts[i] = ms / u.ms
		ms %= u.ms
	}
	return parts
}

// FormatDurationCompact renders milliseconds as "1d2h3m". Sub-second
// remainders are dropped.
func FormatDurationCompact(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	var b strings.Builder
	for i, n := range splitDuration(ms) {
		if n > 0 {
			b.WriteString(strconv.FormatInt(n, 10))
			b.WriteString(formatUnits[i].short)
		}
	}
	if b.Len() == 0 {
		return "0s"
	}
	return b.String()
}

// FormatDurationWords renders milliseconds as "1 day, 2 hours".
func FormatDurationWords(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	var words []string
	for i, n := range splitDuration(ms) {
		if n == 0 {
			continue
		}
		w := formatUnits[i].word
		if n != 1 {
			w += "s"
		}
		words = append(words, fmt.Sprintf("%d %s", n, w))
	}
	if len(words) == 0 {
		return "0 seconds"
	}
	return strings.Join(words, ", ")
}
