package expressions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`{{\s*([\w.]+)\s*}}`)

// RenderTemplate replaces every {{dotted.path}} placeholder in tpl with the
// value found by walking path through vars. Missing segments, nil values and
// paths through scalars render as the empty string. It never fails.
func RenderTemplate(tpl string, vars map[string]any) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}
	return placeholderRe.ReplaceAllStringFunc(tpl, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := Lookup(vars, path)
		if !ok || val == nil {
			return ""
		}
		return Stringify(val)
	})
}

// TemplatePaths returns the placeholder paths referenced by tpl, in order of
// appearance and without duplicates.
func TemplatePaths(tpl string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(tpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Lookup walks a dot-delimited path through nested maps and slices.
// Slice elements are addressed by numeric segments ("items.0.name").
func Lookup(root map[string]any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}
	// Direct key lookup first (supports keys with dots).
	if val, ok := root[path]; ok {
		return val, true
	}

	var current any = root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		next, ok := step(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func step(current any, seg string) (any, bool) {
	switch v := current.(type) {
	case map[string]any:
		val, ok := v[seg]
		return val, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(v) {
			return nil, false
		}
		return v[i], true
	case nil:
		return nil, false
	}

	// Other map and slice shapes (map[string]string, []string, ...).
	rv := reflect.ValueOf(current)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

// Stringify converts a resolved value into its inline text form.
// Strings are embedded verbatim, scalars use their natural format and
// containers are JSON-encoded.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}

	switch reflect.ValueOf(val).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
	return fmt.Sprintf("%v", val)
}

// RenderValue renders templates inside an arbitrary JSON-shaped value:
// strings are rendered, maps and slices are walked, other values are kept.
func RenderValue(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		return RenderTemplate(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = RenderValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = RenderValue(item, vars)
		}
		return out
	default:
		return v
	}
}
