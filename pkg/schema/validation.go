package schema

import (
	"fmt"
	"slices"
)

// ValidationSeverity separates findings that make a flow unusable from
// authoring smells.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one lint finding. Path points into the flow document,
// e.g. nodes[2].data.varName or edges[e4].
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s %s %s: %s", i.Severity, i.Code, i.Path, i.Message)
}

// ValidationResult is the lint report of one flow. Validation never blocks a
// run; callers decide what to do with errors.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no errors were found.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends the findings of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Issues returns errors followed by warnings.
func (r *ValidationResult) Issues() []ValidationIssue {
	return slices.Concat(r.Errors, r.Warnings)
}

// HasCode reports whether any finding carries code.
func (r *ValidationResult) HasCode(code string) bool {
	match := func(i ValidationIssue) bool { return i.Code == code }
	return slices.ContainsFunc(r.Errors, match) || slices.ContainsFunc(r.Warnings, match)
}

// Err returns a VALIDATION_ERROR describing the findings, or nil when the
// flow passes. With strict set, warnings fail the flow too.
func (r *ValidationResult) Err(strict bool) error {
	failing := r.Errors
	if strict {
		failing = r.Issues()
	}
	if len(failing) == 0 {
		return nil
	}

	msg := failing[0].Message
	if len(failing) > 1 {
		msg = fmt.Sprintf("%d findings, first: %s", len(failing), failing[0].Message)
	}
	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"errors":   r.Errors,
			"warnings": r.Warnings,
		})
}
