package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/flowfile"
	"github.com/rendis/chatflow/pkg/schema"
)

func newValidator(t *testing.T) *FlowValidator {
	t.Helper()
	v, err := NewFlowValidator(nil, Options{})
	require.NoError(t, err)
	return v
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func compile(f *schema.Flow) *engine.Compiled {
	return engine.Compile(f.Nodes, f.Edges)
}

func cleanFlow() *schema.Flow {
	return &schema.Flow{
		ID: "clean",
		Nodes: []schema.Node{
			{ID: "hi", Type: "message", Data: schema.NodeData{Text: "Hello {{name}}"}},
			{ID: "ask", Type: "ask", Data: schema.NodeData{VarName: "age", Prompt: "Age?"}},
			{ID: "check", Type: "condition", Data: schema.NodeData{Expression: "vars.age >= 18"}},
			{ID: "yes", Type: "message", Data: schema.NodeData{Text: "ok"}},
			{ID: "no", Type: "message", Data: schema.NodeData{Text: "sorry"}},
		},
		Edges: []schema.Edge{
			{Source: "hi", Target: "ask"},
			{Source: "ask", Target: "check"},
			{Source: "check", Target: "yes", Branch: "true"},
			{Source: "check", Target: "no", Branch: "false"},
		},
	}
}

func TestValidate_CleanFlow(t *testing.T) {
	r := newValidator(t).Validate(cleanFlow())
	assert.True(t, r.Valid(), "errors: %v", r.Errors)
	assert.Empty(t, r.Warnings)
}

func TestValidate_Nil(t *testing.T) {
	r := newValidator(t).Validate(nil)
	assert.False(t, r.Valid())
}

func TestValidate_StructuralShortCircuits(t *testing.T) {
	f := cleanFlow()
	f.Nodes[2].Data.Language = "lua"
	f.Nodes[0].Data.Headers = []schema.Header{{Key: ""}}

	r := newValidator(t).Validate(f)
	require.False(t, r.Valid())
	assert.Len(t, r.Errors, 2)
	for _, issue := range r.Errors {
		assert.Equal(t, schema.ErrCodeValidation, issue.Code)
	}
	assert.Empty(t, r.Warnings, "later stages are skipped")
}

func TestValidate_Semantic(t *testing.T) {
	f := &schema.Flow{
		Nodes: []schema.Node{
			{ID: "a", Type: "message"},
			{ID: "a", Type: "message", Data: schema.NodeData{Text: "dup"}},
			{ID: "", Type: "message"},
			{ID: "cond", Type: "condition", Data: schema.NodeData{Expression: "vars.x >>> 1"}},
			{ID: "wait", Type: "delay", Data: schema.NodeData{Delay: "soon"}},
			{ID: "hook", Type: "webhook", Data: schema.NodeData{API: &schema.APISpec{URL: "ftp://x", Extract: ".[", AssignTo: "1bad"}}},
			{ID: "q", Type: "ask", Data: schema.NodeData{VarName: "my var"}},
			{ID: "odd", Type: "handoff"},
			{ID: "card", Type: "richMessageCard", Data: schema.NodeData{Text: "{{a..b}}"}},
		},
	}
	v := newValidator(t)
	c := compile(f)
	r := validateSemantic(f, c, v.eval, Options{})

	assert.ElementsMatch(t, []string{
		CodeDuplicateID, CodeEmptyID, CodeBadExpression,
		CodeBadRequest, CodeBadExpression, CodeBadVariable, CodeBadVariable,
	}, codes(r.Errors))
	assert.ElementsMatch(t, []string{
		CodeEmptyMessage, CodeBadDelay, CodeUnknownKind, CodeKeywordKind, CodeBadVariable,
	}, codes(r.Warnings))
}

func TestValidate_TemplatedURLSkipsURLCheck(t *testing.T) {
	f := &schema.Flow{Nodes: []schema.Node{
		{ID: "hook", Type: "api", Data: schema.NodeData{URL: "{{base}}/users"}},
	}}
	r := newValidator(t).Validate(f)
	assert.True(t, r.Valid(), "errors: %v", r.Errors)
}

func TestValidate_GroupConditionsAndCEL(t *testing.T) {
	f := cleanFlow()
	f.Nodes[2].Data = schema.NodeData{Groups: []schema.ConditionGroup{{
		Type:       "and",
		Conditions: []schema.Condition{{Variable: "age", Operator: schema.OpGreaterThan, Value: "17"}},
	}}}
	assert.True(t, newValidator(t).Validate(f).Valid())

	f.Nodes[2].Data = schema.NodeData{Language: "cel", Expression: "vars.age >= 18"}
	assert.True(t, newValidator(t).Validate(f).Valid())

	f.Nodes[2].Data = schema.NodeData{Language: "cel", Expression: "vars.age >="}
	r := newValidator(t).Validate(f)
	assert.Equal(t, []string{CodeBadExpression}, codes(r.Errors))
}

func TestValidate_ChannelLimits(t *testing.T) {
	f := cleanFlow()
	f.Channel = schema.ChannelWhatsApp
	f.Nodes[0].Data.QuickReplies = []schema.QuickReply{{Label: "a"}, {Label: "b"}, {Label: "c"}, {Label: "d"}}
	r := newValidator(t).Validate(f)
	assert.Contains(t, codes(r.Warnings), CodeChannelLimit)

	f.Channel = schema.ChannelEmail
	r = newValidator(t).Validate(f)
	assert.NotContains(t, codes(r.Warnings), CodeChannelLimit)
}

func TestValidateGraph(t *testing.T) {
	tests := []struct {
		name     string
		flow     *schema.Flow
		errors   []string
		warnings []string
	}{
		{
			name: "dangling edge and unreachable node",
			flow: &schema.Flow{
				Nodes: []schema.Node{{ID: "a", Type: "message"}, {ID: "b", Type: "ask"}, {ID: "c", Type: "message"}},
				Edges: []schema.Edge{{Source: "a", Target: "ghost"}, {Source: "b", Target: "c"}, {Source: "c", Target: "b"}},
			},
			warnings: []string{CodeDanglingEdge, CodeUnreachable, CodeUnreachable},
		},
		{
			name: "start override reaches island",
			flow: &schema.Flow{
				StartNodeID: "b",
				Nodes:       []schema.Node{{ID: "a", Type: "message"}, {ID: "b", Type: "ask"}, {ID: "c", Type: "message"}},
				Edges:       []schema.Edge{{Source: "b", Target: "c"}, {Source: "c", Target: "b"}},
			},
		},
		{
			name: "missing start override",
			flow: &schema.Flow{
				StartNodeID: "nope",
				Nodes:       []schema.Node{{ID: "a", Type: "message"}},
			},
			errors: []string{CodeBadStart},
		},
		{
			name: "no entry point",
			flow: &schema.Flow{
				Nodes: []schema.Node{{ID: "a", Type: "ask"}, {ID: "b", Type: "ask"}},
				Edges: []schema.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
			},
			errors: []string{CodeNoEntry},
		},
		{
			name: "condition branches",
			flow: &schema.Flow{
				Nodes: []schema.Node{
					{ID: "c1", Type: "condition"}, {ID: "x", Type: "ask"},
					{ID: "c2", Type: "condition"}, {ID: "y", Type: "ask"}, {ID: "z", Type: "ask"},
				},
				Edges: []schema.Edge{
					{Source: "c1", Target: "x"},
					{Source: "c2", Target: "y", Branch: "true"}, {Source: "c2", Target: "z", Branch: "maybe"},
				},
			},
			warnings: []string{CodeMissingBranch, CodeUnusedBranchLabel},
		},
		{
			name: "busy loop",
			flow: &schema.Flow{
				Nodes: []schema.Node{{ID: "a", Type: "message"}, {ID: "b", Type: "message"}, {ID: "c", Type: "message"}},
				Edges: []schema.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}, {Source: "c", Target: "b"}},
			},
			warnings: []string{CodeBusyLoop},
		},
		{
			name: "loop through ask is fine",
			flow: &schema.Flow{
				Nodes: []schema.Node{{ID: "a", Type: "message"}, {ID: "b", Type: "message"}, {ID: "q", Type: "ask"}},
				Edges: []schema.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "q"}, {Source: "q", Target: "b"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validateGraph(tt.flow, compile(tt.flow))
			assert.ElementsMatch(t, tt.errors, codes(r.Errors))
			assert.ElementsMatch(t, tt.warnings, codes(r.Warnings))
		})
	}
}

func TestBusyLoops_ReportsPath(t *testing.T) {
	f := &schema.Flow{
		Nodes: []schema.Node{{ID: "a", Type: "message"}, {ID: "b", Type: "condition"}},
		Edges: []schema.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}
	assert.Equal(t, [][]string{{"a", "b", "a"}}, BusyLoops(compile(f)))
}

func TestValidateBytes(t *testing.T) {
	v := newValidator(t)

	flow, r := v.ValidateBytes([]byte(`{"nodes":[{"id":"a","type":"message","data":{"text":"hi","delay":true}}]}`), flowfile.FormatJSON)
	assert.Nil(t, flow)
	require.False(t, r.Valid())
	assert.Contains(t, r.Errors[0].Message, "/nodes/0/data/delay")

	flow, r = v.ValidateBytes([]byte("nodes:\n  - id: a\n    type: message\n    data:\n      text: hi\n"), "")
	require.NotNil(t, flow)
	assert.True(t, r.Valid(), "errors: %v", r.Errors)

	_, r = v.ValidateBytes([]byte(`{"nodes": [`), flowfile.FormatJSON)
	assert.False(t, r.Valid())

	flow, r = v.ValidateBytes([]byte(`digraph g { a [type="message", text="hi"]; b [type="message", text="bye"]; a -> b }`), flowfile.FormatDOT)
	require.NotNil(t, flow)
	assert.True(t, r.Valid())
	assert.Empty(t, r.Warnings)
}

func TestJSONSchemaValidator_MissingNodes(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	err = jsv.ValidateDocument(map[string]any{"edges": []any{}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
