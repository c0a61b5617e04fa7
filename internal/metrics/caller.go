package metrics

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/chatflow/internal/netcall"
)

// InstrumentCaller wraps c so every call is timed and counted.
func (m *Metrics) InstrumentCaller(c netcall.Caller) netcall.Caller {
	return netcall.CallerFunc(func(ctx context.Context, req netcall.Request) (*netcall.Response, error) {
		method := strings.ToUpper(req.Method)
		if method == "" {
			method = "GET"
		}
		start := time.Now()
		resp, err := c.Call(ctx, req)
		m.apiDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

		status := "error"
		if err == nil && resp != nil {
			status = statusClass(resp.StatusCode)
		}
		m.apiRequests.WithLabelValues(method, status).Inc()
		return resp, err
	})
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
