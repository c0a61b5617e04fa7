package expressions

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var delayRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)(\s*(ms|s|m|h))?$`)

var delayUnits = map[string]float64{
	"":   1,
	"ms": 1,
	"s":  1000,
	"m":  60 * 1000,
	"h":  60 * 60 * 1000,
}

// ParseDelay converts a delay spec into a duration. Numbers are milliseconds
// (negative clamps to zero); strings are "<n>[ ](ms|s|m|h)", case-insensitive,
// defaulting to milliseconds and rounded to the nearest millisecond.
// Anything else parses as zero.
func ParseDelay(v any) time.Duration {
	switch d := v.(type) {
	case nil:
		return 0
	case time.Duration:
		return max(d, 0)
	case string:
		return parseDelayString(d)
	case json.Number:
		if f, err := d.Float64(); err == nil {
			return msDuration(f)
		}
		return parseDelayString(d.String())
	}
	if f, ok := numeric(v); ok {
		return msDuration(f)
	}
	return 0
}

func parseDelayString(s string) time.Duration {
	s = strings.ToLower(strings.TrimSpace(s))
	m := delayRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return msDuration(math.Round(n * delayUnits[m[3]]))
}

// msDuration converts milliseconds, saturating at the largest Duration.
func msDuration(ms float64) time.Duration {
	if math.IsNaN(ms) || ms <= 0 {
		return 0
	}
	ns := ms * float64(time.Millisecond)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
