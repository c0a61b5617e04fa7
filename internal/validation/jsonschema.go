package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/chatflow/pkg/schema"
)

const flowSchemaURL = "https://chatflow.dev/schemas/flow.json"

// flowSchemaJSON describes an exported flow document. Node data stays open:
// designers attach properties the runtime ignores.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chatflow.dev/schemas/flow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": { "type": "string" },
    "title": { "type": "string" },
    "channel": { "type": "string" },
    "startNodeId": { "type": "string" },
    "nodes": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string" },
        "data": { "$ref": "#/$defs/data" }
      }
    },
    "data": {
      "type": "object",
      "properties": {
        "kind": { "type": "string" },
        "label": { "type": "string" },
        "trigger": { "type": "boolean" },
        "text": { "type": "string" },
        "quickReplies": {
          "type": ["array", "null"],
          "items": {
            "type": "object",
            "required": ["label"],
            "properties": {
              "id": { "type": "string" },
              "label": { "type": "string" }
            }
          }
        },
        "varName": { "type": "string" },
        "prompt": { "type": "string" },
        "expression": { "type": "string" },
        "language": { "enum": ["", "expr", "cel"] },
        "groups": {
          "type": ["array", "null"],
          "items": {
            "type": "object",
            "properties": {
              "type": { "type": "string" },
              "conditions": {
                "type": ["array", "null"],
                "items": {
                  "type": "object",
                  "required": ["variable", "operator"],
                  "properties": {
                    "variable": { "type": "string" },
                    "operator": {
                      "enum": ["equal_to", "not_equal_to", "greater_than", "less_than",
                               "contains", "starts_with", "ends_with", "is_defined", "is_not_defined"]
                    },
                    "value": { "type": "string" }
                  }
                }
              }
            }
          }
        },
        "delay": { "$ref": "#/$defs/delay" },
        "waitMs": { "$ref": "#/$defs/delay" },
        "api": { "$ref": "#/$defs/api" },
        "url": { "type": "string" },
        "method": { "type": "string" },
        "headers": { "$ref": "#/$defs/headers" },
        "assignTo": { "type": "string" }
      }
    },
    "delay": {
      "anyOf": [
        { "type": "number" },
        { "type": "string", "pattern": "^\\s*(\\d+(\\.\\d+)?\\s*(ms|s|m|h|MS|S|M|H)?)?\\s*$" },
        { "type": "null" }
      ]
    },
    "api": {
      "type": "object",
      "required": ["url"],
      "properties": {
        "url": { "type": "string" },
        "method": { "enum": ["", "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS",
                             "get", "post", "put", "patch", "delete", "head", "options"] },
        "headers": { "$ref": "#/$defs/headers" },
        "assignTo": { "type": "string" },
        "extract": { "type": "string" },
        "timeout": { "type": "string" }
      }
    },
    "headers": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["key"],
        "properties": {
          "key": { "type": "string", "minLength": 1 },
          "value": { "type": "string" }
        }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "branch": { "type": "string" },
        "label": { "type": "string" },
        "data": {
          "type": ["object", "null"],
          "properties": { "branch": { "type": "string" } }
        }
      }
    }
  }
}`

// JSONSchemaValidator checks flow documents against the flow JSON Schema
// (draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	flowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the flow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource(flowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}
	compiled, err := c.Compile(flowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}
	return &JSONSchemaValidator{flowSchema: compiled}, nil
}

// ValidateDocument validates a decoded document (from JSON or YAML).
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	normalized, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "flow document is not JSON-compatible").WithCause(err)
	}
	if err := v.flowSchema.Validate(normalized); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateFlow validates an already decoded flow.
func (v *JSONSchemaValidator) ValidateFlow(flow *schema.Flow) error {
	if flow == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow is nil")
	}
	return v.ValidateDocument(flow)
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toFlowError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
