package schema

import (
	"encoding/json"
	"fmt"
)

// Validation issue codes reported by the graph validator.
const (
	IssueDuplicateStepID       = "DUPLICATE_STEP_ID"
	IssueDuplicateConnectionID = "DUPLICATE_CONNECTION_ID"
	IssueMissingStepID         = "MISSING_STEP_ID"
	IssueUnknownVariant        = "UNKNOWN_VARIANT"
	IssueDanglingConnection    = "DANGLING_CONNECTION"
	IssueUnknownConnectionType = "UNKNOWN_CONNECTION_TYPE"
	IssueNoEntryStep           = "NO_ENTRY_STEP"
	IssueCycle                 = "CYCLE_DETECTED"
	IssueUnboundedLoop         = "UNBOUNDED_LOOP"
	IssueInvalidConfig         = "INVALID_CONFIG"
	IssueInvalidExpression     = "INVALID_EXPRESSION"
	IssueInvalidMapping        = "INVALID_MAPPING"
	IssueUnreachableStep       = "UNREACHABLE_STEP"
	IssueSchema                = "SCHEMA_VIOLATION"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem located on a step or connection.
type ValidationIssue struct {
	Code         string             `json:"code"`
	StepID       string             `json:"step_id,omitempty"`
	ConnectionID string             `json:"connection_id,omitempty"`
	Path         string             `json:"path,omitempty"`
	Message      string             `json:"message"`
	Severity     ValidationSeverity `json:"severity"`
}

// ValidationReport aggregates all issues found for one pipeline definition.
type ValidationReport struct {
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationReport) Valid() bool {
	return len(r.Errors) == 0
}

// MarshalJSON encodes the report with its derived valid flag.
func (r ValidationReport) MarshalJSON() ([]byte, error) {
	errs := r.Errors
	if errs == nil {
		errs = []ValidationIssue{}
	}
	return json.Marshal(struct {
		Valid    bool              `json:"valid"`
		Errors   []ValidationIssue `json:"errors"`
		Warnings []ValidationIssue `json:"warnings,omitempty"`
	}{Valid: len(errs) == 0, Errors: errs, Warnings: r.Warnings})
}

// AddStepError appends an error-severity issue located on a step.
func (r *ValidationReport) AddStepError(stepID, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Code: code, StepID: stepID, Message: message, Severity: SeverityError,
	})
}

// AddConnectionError appends an error-severity issue located on a connection.
func (r *ValidationReport) AddConnectionError(connectionID, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Code: code, ConnectionID: connectionID, Message: message, Severity: SeverityError,
	})
}

// AddError appends an error-severity issue located by document path.
func (r *ValidationReport) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Code: code, Path: path, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue located on a step.
func (r *ValidationReport) AddWarning(stepID, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Code: code, StepID: stepID, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationReport into this one.
func (r *ValidationReport) Merge(other *ValidationReport) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the report to an *Error if invalid, nil if valid.
func (r *ValidationReport) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
