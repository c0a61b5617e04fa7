package netcall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures an HTTPCaller.
type HTTPConfig struct {
	Timeout           time.Duration
	MaxResponseBody   int64
	Retry             *RetryPolicy
	FailOnErrorStatus bool // treat 4xx/5xx responses as failed calls
	Client            *http.Client
	Breaker           *Breaker // optional per-host circuit breaker
	Logger            *slog.Logger
}

// HTTPCaller sends api-node requests over HTTP.
type HTTPCaller struct {
	config HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPCaller creates an HTTPCaller, filling in defaults for unset fields.
func NewHTTPCaller(cfg HTTPConfig) *HTTPCaller {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &HTTPCaller{config: cfg, client: client, logger: logger}
}

// Call sends req, retrying transient failures per the configured policy.
func (c *HTTPCaller) Call(ctx context.Context, req Request) (*Response, error) {
	if err := ValidateURL(req.URL); err != nil {
		return nil, err
	}

	breaker := c.config.Breaker
	if breaker == nil {
		return c.callWithRetry(ctx, req)
	}
	host := hostOf(req.URL)
	if err := breaker.Allow(host); err != nil {
		return nil, err
	}
	resp, err := c.callWithRetry(ctx, req)
	switch {
	case err != nil && schema.ErrorCode(err) != schema.ErrCodeCancelled:
		breaker.Failure(host)
	case err == nil && resp.StatusCode >= 500:
		breaker.Failure(host)
	case err == nil:
		breaker.Success(host)
	}
	return resp, err
}

func (c *HTTPCaller) callWithRetry(ctx context.Context, req Request) (*Response, error) {
	attempts := 1
	if c.config.Retry != nil && c.config.Retry.Max > 0 {
		attempts += c.config.Retry.Max
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(c.config.Retry, attempt-1)
			logging.LogWith(ctx, c.logger).DebugContext(ctx, "retrying api call",
				slog.String("url", req.URL),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay))
			if err := waitForBackoff(ctx, delay); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "api call cancelled").WithCause(err)
			}
		}

		resp, err := c.do(ctx, req)
		if err == nil {
			if attempt+1 < attempts && retryableStatus(resp.StatusCode) {
				lastErr = schema.NewErrorf(schema.ErrCodeNetwork, "server returned %d", resp.StatusCode)
				continue
			}
			if c.config.FailOnErrorStatus && resp.StatusCode >= 400 {
				return nil, schema.NewErrorf(schema.ErrCodeExecution, "server returned %d", resp.StatusCode).
					WithDetails(map[string]any{"status_code": resp.StatusCode})
			}
			return resp, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			break
		}
	}
	return nil, lastErr
}

func (c *HTTPCaller) do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}

	bodyReader, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "failed to create request: %v", err).WithCause(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for _, h := range req.Headers {
		if h.Key != "" {
			httpReq.Header.Set(h.Key, h.Value)
		}
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		code := schema.ErrCodeNetwork
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			code = schema.ErrCodeTimeout
		} else if ctx.Err() != nil {
			code = schema.ErrCodeCancelled
		}
		return nil, schema.NewErrorf(code, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNetwork, "failed to read response body: %v", err).WithCause(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	status := "success"
	if resp.StatusCode >= 400 {
		status = "error"
	}

	sent := req
	sent.Method = method
	return &Response{
		Status:     status,
		StatusCode: resp.StatusCode,
		Request:    &sent,
		Body:       decodeBody(raw, resp.Header.Get("Content-Type")),
		Headers:    headers,
		LatencyMs:  latency,
	}, nil
}

// ValidateURL accepts absolute http and https URLs.
func ValidateURL(raw string) error {
	if raw == "" {
		return schema.NewError(schema.ErrCodeValidation, "api request has no url")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", raw)
	}
	return nil
}

// encodeBody sends strings verbatim (as JSON when they parse as JSON) and
// JSON-encodes everything else.
func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if strings.TrimSpace(b) == "" {
			return nil, "", nil
		}
		if json.Valid([]byte(b)) {
			return strings.NewReader(b), "application/json", nil
		}
		return strings.NewReader(b), "text/plain", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeExecution, "failed to marshal body as JSON: %v", err).WithCause(err)
		}
		return strings.NewReader(string(data)), "application/json", nil
	}
}

func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") || json.Valid(raw) {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// String describes the caller for logs.
func (c *HTTPCaller) String() string {
	return fmt.Sprintf("http(timeout=%s)", c.config.Timeout)
}

var _ Caller = (*HTTPCaller)(nil)
