package fhir

import "fmt"

// OperationOutcome severity levels (FHIR R4 IssueSeverity).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the transfer agents.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
	IssueTypeTransient    = "transient"
	IssueTypeBusinessRule = "business-rule"
)

// HasErrors reports whether the outcome carries an error or fatal issue.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// InvalidOutcome reports a malformed request body.
func InvalidOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, diagnostics)
}

func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, diagnostics)
}

func SecurityOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeSecurity, diagnostics)
}

// BusinessRuleOutcome reports a request that is well formed but violates a
// processing rule, such as data arriving without its pseudonymization label.
func BusinessRuleOutcome(format string, args ...any) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeBusinessRule, fmt.Sprintf(format, args...))
}
