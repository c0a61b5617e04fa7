// Package validation lints flows before they run. Structural problems come
// from the flow JSON Schema; semantic and graph problems from the compiled
// flow. Nothing found here stops the engine from running a flow, since the
// compiler never fails; errors mark behaviour that is certainly unintended.
package validation

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/rendis/chatflow/internal/channel"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/flowfile"
	"github.com/rendis/chatflow/pkg/schema"
)

// Options tune the channel checks.
type Options struct {
	WhatsAppContext channel.Context
}

// FlowValidator runs the three-stage pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (per node)
// 3. Graph (entry points, reachability, branches, loops)
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	eval       *expressions.Evaluator
	opts       Options
}

// NewFlowValidator creates a FlowValidator. A nil evaluator gets a default one.
func NewFlowValidator(ev *expressions.Evaluator, opts Options) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if ev == nil {
		ev = expressions.NewEvaluator()
	}
	return &FlowValidator{jsonSchema: jsv, eval: ev, opts: opts}, nil
}

// Validate runs every stage on a decoded flow. Structural errors
// short-circuit the other stages.
func (v *FlowValidator) Validate(flow *schema.Flow) *schema.ValidationResult {
	if flow == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow is nil")
		return r
	}

	result := structural(v.jsonSchema.ValidateFlow(flow))
	if !result.Valid() {
		return result
	}
	return v.lint(flow, result)
}

// ValidateBytes validates a raw flow document. JSON and YAML documents are
// checked against the schema before decoding, so type mismatches that
// decoding would reject are reported as issues instead.
func (v *FlowValidator) ValidateBytes(data []byte, format flowfile.Format) (*schema.Flow, *schema.ValidationResult) {
	if format == "" {
		format = flowfile.Sniff(data)
	}

	result := &schema.ValidationResult{}
	var doc any
	switch format {
	case flowfile.FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			result.AddError("/", schema.ErrCodeValidation, "invalid JSON: "+err.Error())
			return nil, result
		}
	case flowfile.FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			result.AddError("/", schema.ErrCodeValidation, "invalid YAML: "+err.Error())
			return nil, result
		}
	}
	if doc != nil {
		result = structural(v.jsonSchema.ValidateDocument(doc))
		if !result.Valid() {
			return nil, result
		}
	}

	flow, err := flowfile.Parse(data, format)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return nil, result
	}
	return flow, v.lint(flow, result)
}

func (v *FlowValidator) lint(flow *schema.Flow, result *schema.ValidationResult) *schema.ValidationResult {
	c := engine.Compile(flow.Nodes, flow.Edges)
	result.Merge(validateSemantic(flow, c, v.eval, v.opts))
	result.Merge(validateGraph(flow, c))
	return result
}

// structural converts a schema validation error into issues.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}
	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
