package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Severity(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("nodes[1].data.quickReplies", "CHANNEL_LIMIT", "whatsapp shows at most 3 buttons")
	assert.True(t, r.Valid(), "warnings alone keep a flow valid")

	r.AddError("nodes[0].data.varName", "BAD_VARIABLE", "ask node has no varName")
	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.Equal(t, "error BAD_VARIABLE nodes[0].data.varName: ask node has no varName", r.Errors[0].String())
}

func TestValidationResult_MergeAndIssues(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddWarning("nodes[3]", "UNREACHABLE", "node is never reached")

	r2 := &ValidationResult{}
	r2.AddError("edges[e2]", "DANGLING_EDGE", "edge points at a missing node")
	r1.Merge(r2)
	r1.Merge(nil)

	issues := r1.Issues()
	require.Len(t, issues, 2)
	assert.Equal(t, SeverityError, issues[0].Severity, "errors come first")
	assert.True(t, r1.HasCode("UNREACHABLE"))
	assert.False(t, r1.HasCode("BUSY_LOOP"))
}

func TestValidationResult_Err(t *testing.T) {
	tests := []struct {
		name     string
		errors   int
		warnings int
		strict   bool
		wantErr  bool
		contains string
	}{
		{name: "clean", wantErr: false},
		{name: "warnings pass", warnings: 2, wantErr: false},
		{name: "warnings fail when strict", warnings: 2, strict: true, wantErr: true, contains: "2 findings"},
		{name: "single error", errors: 1, wantErr: true, contains: "problem 1"},
		{name: "several errors", errors: 3, warnings: 1, wantErr: true, contains: "3 findings"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := &ValidationResult{}
			for i := range tc.errors {
				r.AddError("/", ErrCodeValidation, "problem "+string(rune('1'+i)))
			}
			for range tc.warnings {
				r.AddWarning("/", ErrCodeValidation, "smell")
			}

			err := r.Err(tc.strict)
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, ErrCodeValidation, ErrorCode(err))
			assert.Contains(t, err.Error(), tc.contains)
		})
	}
}
