package expressions

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDelay(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want time.Duration
	}{
		{"int ms", 1500, 1500 * time.Millisecond},
		{"float ms", 1.5, 1500 * time.Microsecond},
		{"negative clamps", -5, 0},
		{"json number", json.Number("750"), 750 * time.Millisecond},
		{"duration", 2 * time.Second, 2 * time.Second},
		{"bare digits", "250", 250 * time.Millisecond},
		{"ms unit", "1200ms", 1200 * time.Millisecond},
		{"seconds", "5s", 5 * time.Second},
		{"fraction with space and case", "1.5 S", 1500 * time.Millisecond},
		{"minutes trimmed", "  30 m ", 30 * time.Minute},
		{"hours", "1h", time.Hour},
		{"huge hours saturate", "9999999999h", time.Duration(math.MaxInt64)},
		{"huge number saturates", 1e20, time.Duration(math.MaxInt64)},
		{"infinity saturates", math.Inf(1), time.Duration(math.MaxInt64)},
		{"rounds to ms", "0.0004s", 0},
		{"garbage", "abc", 0},
		{"unit only", "s", 0},
		{"negative string", "-5s", 0},
		{"unsupported unit", "5d", 0},
		{"empty", "", 0},
		{"nil", nil, 0},
		{"bool", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDelay(tt.in))
		})
	}
}
