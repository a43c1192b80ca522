package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Components wrap these with context via the
// helper constructors; callers classify with the Is* predicates.
var (
	// ErrTransient marks an engine or collaborator failure worth
	// retrying with backoff. Exhausted retries degrade health rather
	// than fail the pass.
	ErrTransient = errors.New("transient failure")

	// ErrStructural marks an observed topology the reconciler cannot
	// reconcile with its target (e.g. an unknown extra member). It is
	// surfaced and blocks; it is never auto-corrected destructively.
	ErrStructural = errors.New("structural inconsistency")

	// ErrPrecondition marks an operation deferred until shared state
	// (secrets, certificates, maintenance window) allows it. It is
	// re-checked on the next reconciliation pass.
	ErrPrecondition = errors.New("precondition not met")

	// ErrConflict marks mutually exclusive operations racing (e.g. a
	// restore during an active membership change). Rejected
	// immediately, never retried implicitly.
	ErrConflict = errors.New("conflicting operation")

	// ErrOperatorPrecondition marks an operation that executed but
	// whose safety precondition must be verified manually (forced
	// promotion).
	ErrOperatorPrecondition = errors.New("operator precondition")

	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

func Transient(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransient)...)
}

func Structural(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrStructural)...)
}

func Precondition(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrPrecondition)...)
}

func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

func InvalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidArgument)...)
}

func IsTransient(err error) bool    { return errors.Is(err, ErrTransient) }
func IsStructural(err error) bool   { return errors.Is(err, ErrStructural) }
func IsPrecondition(err error) bool { return errors.Is(err, ErrPrecondition) }
func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// Kind returns a stable string for an error's category, suitable for
// structured results returned to operators.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTransient(err):
		return "transient"
	case IsStructural(err):
		return "structural-inconsistency"
	case IsPrecondition(err):
		return "precondition-not-met"
	case IsConflict(err):
		return "conflicting-operation"
	case errors.Is(err, ErrOperatorPrecondition):
		return "operator-precondition"
	case IsNotFound(err):
		return "not-found"
	case IsInvalidArgument(err):
		return "invalid-argument"
	default:
		return "internal"
	}
}
