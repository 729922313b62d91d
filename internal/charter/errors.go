package charter

import (
	"errors"
	"fmt"
	"strings"
)

// VetoError is returned by Verify when any principle fails. The record is
// already in the gate's history when the caller sees it.
type VetoError struct {
	Principles []Principle
	Violations []string
	Record     VerificationRecord
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("output violates charter: %s", strings.Join(e.Violations, "; "))
}

// IsVeto reports whether err carries a VetoError.
func IsVeto(err error) bool {
	var v *VetoError
	return errors.As(err, &v)
}

// PredicateFault is an internal failure of one principle check. The gate
// converts it into a failed principle and never returns it.
type PredicateFault struct {
	Principle Principle
	Err       error
}

func (e *PredicateFault) Error() string {
	return fmt.Sprintf("predicate %s: %v", e.Principle, e.Err)
}

func (e *PredicateFault) Unwrap() error { return e.Err }

var errNoChecker = errors.New("no checker registered")
