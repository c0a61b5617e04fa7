// Package flowfile loads flow definitions from JSON, YAML or Graphviz DOT.
package flowfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/chatflow/pkg/schema"
)

// Format is a flow file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatDOT  Format = "dot"
)

// FormatFromPath infers the format from a file extension. Unknown
// extensions return "".
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".dot", ".gv":
		return FormatDOT
	}
	return ""
}

// Sniff guesses the format of data: DOT if it opens with a (di)graph
// keyword, JSON if it opens with '{', YAML otherwise.
func Sniff(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	lower := strings.ToLower(string(trimmed[:min(len(trimmed), 16)]))
	for _, kw := range []string{"digraph", "graph", "strict"} {
		if strings.HasPrefix(lower, kw) {
			return FormatDOT
		}
	}
	return FormatYAML
}

// Load reads and parses the flow at path. The format comes from the
// extension, falling back to Sniff.
func Load(path string) (*schema.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	format := FormatFromPath(path)
	if format == "" {
		format = Sniff(data)
	}
	flow, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if flow.ID == "" {
		flow.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return flow, nil
}

// Parse decodes data in the given format. An empty format is sniffed.
func Parse(data []byte, format Format) (*schema.Flow, error) {
	if format == "" {
		format = Sniff(data)
	}
	var (
		flow *schema.Flow
		err  error
	)
	switch format {
	case FormatJSON:
		flow, err = parseJSON(data)
	case FormatYAML:
		flow, err = parseYAML(data)
	case FormatDOT:
		flow, err = ParseDOT(string(data))
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported flow format %q", format)
	}
	if err != nil {
		return nil, err
	}
	if flow.Channel != "" {
		ch, ok := schema.ParseChannel(string(flow.Channel))
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown channel %q", flow.Channel)
		}
		flow.Channel = ch
	}
	return flow, nil
}

func parseJSON(data []byte) (*schema.Flow, error) {
	var flow schema.Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid flow JSON").WithCause(err)
	}
	return &flow, nil
}

func parseYAML(data []byte) (*schema.Flow, error) {
	var flow schema.Flow
	if err := yaml.Unmarshal(data, &flow); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid flow YAML").WithCause(err)
	}
	return &flow, nil
}

// Marshal encodes flow in the given format. DOT output goes through the
// diagram package, not here.
func Marshal(flow *schema.Flow, format Format) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return json.MarshalIndent(flow, "", "  ")
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(flow); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot marshal flow as %q", format)
}
