package tab

import "fmt"

// ErrValidation reports malformed input or a constraint violation at the
// session or turn boundary. Surfaced to the caller without mutating state.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ErrPolicyDenied reports a BLOCK verdict from the policy enforcer.
type ErrPolicyDenied struct {
	Code   string
	Detail string
}

func (e *ErrPolicyDenied) Error() string {
	return fmt.Sprintf("policy denied (%s): %s", e.Code, e.Detail)
}

// ErrBudgetExceeded reports that a turn would push a session past its
// cost budget.
type ErrBudgetExceeded struct {
	Cost   float64
	Budget float64
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("budget exceeded: cost %.4f over budget %.4f", e.Cost, e.Budget)
}

// ErrJournal reports a failed journal write. Fatal to the session: no
// progress is acknowledged past a record that could not be durably written.
type ErrJournal struct {
	Op  string
	Err error
}

func (e *ErrJournal) Error() string {
	return fmt.Sprintf("journal %s: %v", e.Op, e.Err)
}

func (e *ErrJournal) Unwrap() error { return e.Err }

// ErrInvariant is a programmer error. It aborts the session and is
// re-raised to the host; every other boundary returns an outcome value.
type ErrInvariant struct {
	Msg string
}

func (e *ErrInvariant) Error() string {
	return "invariant violated: " + e.Msg
}
