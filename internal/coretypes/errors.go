package coretypes

import "fmt"

// CoreError is the error type every core component returns for expected,
// classified failures. Unexpected defects (panics, invariant violations)
// propagate as plain errors and are caught at the Plan Runner boundary,
// which turns them into ErrRunAborted.
type CoreError struct {
	Kind    ErrorKind
	Reason  string
	Details []string // e.g. one entry per schema violation
}

func (e *CoreError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Reason, e.Details)
}

// NewError builds a CoreError.
func NewError(kind ErrorKind, reason string, details ...string) *CoreError {
	return &CoreError{Kind: kind, Reason: reason, Details: details}
}

// AsCoreError unwraps err into a *CoreError if possible.
func AsCoreError(err error) (*CoreError, bool) {
	ce, ok := err.(*CoreError)
	return ce, ok
}
