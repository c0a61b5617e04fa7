package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rendis/chatflow/internal/flowfile"
	"github.com/rendis/chatflow/pkg/schema"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// toJSON marshals a value to indented JSON for template rendering.
func toJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// timeAgo returns a human-readable relative time string.
// Accepts time.Time or *time.Time.
func timeAgo(v any) string {
	var t time.Time
	switch val := v.(type) {
	case time.Time:
		t = val
	case *time.Time:
		if val == nil {
			return ""
		}
		t = *val
	default:
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// statusBadge returns a CSS class name for an engine status.
func statusBadge(status schema.EngineStatus) string {
	switch status {
	case schema.StatusCompleted:
		return "badge-success"
	case schema.StatusRunning:
		return "badge-active"
	case schema.StatusWaiting:
		return "badge-warning"
	case schema.StatusStopped:
		return "badge-muted"
	default:
		return "badge-secondary"
	}
}

// truncate shortens a string to max runes, appending "..." if truncated.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFlowError maps err's code to an HTTP status.
func writeFlowError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := schema.ErrorCode(err)
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeNoFlow:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeSuspensionConflict:
		status = http.StatusConflict
	case schema.ErrCodeTimeout, schema.ErrCodeCancelled:
		status = http.StatusGatewayTimeout
	}
	body := map[string]any{"error": err.Error()}
	if code != "" {
		body["code"] = code
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) && len(fe.Details) > 0 {
		body["details"] = fe.Details
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a JSON request body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON").WithCause(err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// flowSource is the flow part of a request: either a decoded flow document
// or source text in a named format.
type flowSource struct {
	Flow   json.RawMessage `json:"flow,omitempty"`
	Source string          `json:"source,omitempty"`
	Format flowfile.Format `json:"format,omitempty"`
}

// bytes returns the raw flow document and its format.
func (f flowSource) bytes() ([]byte, flowfile.Format, error) {
	switch {
	case len(f.Flow) > 0:
		return f.Flow, flowfile.FormatJSON, nil
	case f.Source != "":
		format := f.Format
		if format == "" {
			format = flowfile.Sniff([]byte(f.Source))
		}
		return []byte(f.Source), format, nil
	}
	return nil, "", schema.NewError(schema.ErrCodeValidation, "flow or source is required")
}

// load parses the flow.
func (f flowSource) load() (*schema.Flow, error) {
	data, format, err := f.bytes()
	if err != nil {
		return nil, err
	}
	flow, err := flowfile.Parse(data, format)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid flow").WithCause(err)
	}
	return flow, nil
}
