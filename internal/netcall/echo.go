package netcall

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// EchoCaller answers every request locally with a 200 that echoes the request
// body. It backs test consoles and simulations that must not reach the network.
type EchoCaller struct {
	Latency time.Duration
	Now     func() time.Time
}

// NewEchoCaller creates an EchoCaller with the given simulated latency.
func NewEchoCaller(latency time.Duration) *EchoCaller {
	return &EchoCaller{Latency: latency, Now: time.Now}
}

// Call waits out the simulated latency and echoes req.
func (c *EchoCaller) Call(ctx context.Context, req Request) (*Response, error) {
	if c.Latency > 0 {
		t := time.NewTimer(c.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "echo call cancelled").WithCause(ctx.Err())
		}
	} else if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "echo call cancelled").WithCause(err)
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	parsed := parseEchoBody(req.Body)
	sent := req
	sent.Method = strings.ToUpper(req.Method)
	sent.Body = parsed

	return &Response{
		Status:     "success",
		StatusCode: 200,
		Request:    &sent,
		Body: map[string]any{
			"ok":      true,
			"echoed":  parsed,
			"example": map[string]any{"id": "abc123", "ts": now().UnixMilli()},
		},
		Headers:   map[string]string{"content-type": "application/json", "x-mock": "true"},
		LatencyMs: c.Latency.Milliseconds(),
	}, nil
}

// parseEchoBody decodes string bodies as JSON, wrapping unparseable text as {"__raw": text}.
func parseEchoBody(body any) any {
	s, ok := body.(string)
	if !ok {
		return body
	}
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return map[string]any{"__raw": s}
	}
	return v
}

var _ Caller = (*EchoCaller)(nil)
