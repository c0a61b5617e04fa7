// Package netcall performs the outbound requests made by api nodes.
package netcall

import (
	"context"

	"github.com/rendis/chatflow/pkg/schema"
)

// Request is a rendered api-node request.
type Request struct {
	URL     string          `json:"url"`
	Method  string          `json:"method"`
	Headers []schema.Header `json:"headers"`
	Body    any             `json:"body,omitempty"`
}

// Response is the outcome of a completed request. Any HTTP status counts as
// completed; only transport failures are returned as errors.
type Response struct {
	Status     string            `json:"status"`
	StatusCode int               `json:"statusCode"`
	Request    *Request          `json:"request,omitempty"`
	Body       any               `json:"body"`
	Headers    map[string]string `json:"responseHeaders,omitempty"`
	LatencyMs  int64             `json:"latencyMs"`
}

// AsMap converts the response into the JSON-shaped value stored in flow
// variables, so templates can address it ({{last_api_response.body.id}}).
func (r *Response) AsMap() map[string]any {
	m := map[string]any{
		"status":     r.Status,
		"statusCode": r.StatusCode,
		"body":       r.Body,
		"latencyMs":  r.LatencyMs,
	}
	if r.Headers != nil {
		headers := make(map[string]any, len(r.Headers))
		for k, v := range r.Headers {
			headers[k] = v
		}
		m["responseHeaders"] = headers
	}
	if r.Request != nil {
		hs := make([]any, len(r.Request.Headers))
		for i, h := range r.Request.Headers {
			hs[i] = map[string]any{"key": h.Key, "value": h.Value}
		}
		m["request"] = map[string]any{
			"url":     r.Request.URL,
			"method":  r.Request.Method,
			"headers": hs,
			"body":    r.Request.Body,
		}
	}
	return m
}

// Caller dispatches a request. Implementations must honour ctx cancellation.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, req Request) (*Response, error)

// Call calls f(ctx, req).
func (f CallerFunc) Call(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
