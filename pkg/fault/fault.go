// Package fault defines the error taxonomy shared by the planner, the
// orchestrator and the HTTP surface. Every error carries a stable
// machine-readable kind so callers can dispatch on it programmatically.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindValidation means the request was malformed or contradictory.
	// Nothing has been executed; the caller can correct the input and retry.
	KindValidation Kind = "validation"

	// KindConnectivity means a remote endpoint could not be reached or
	// refused authentication. Fatal to the plan, no infrastructure created.
	KindConnectivity Kind = "connectivity"

	// KindProvisioning means a create or apply step failed after
	// infrastructure may have been partially created.
	KindProvisioning Kind = "provisioning"

	// KindTimeout means a polling wait exceeded its cap.
	KindTimeout Kind = "timeout"

	// KindConflict means the operation would violate referential integrity,
	// such as deleting a credential still referenced by a live deployment.
	KindConflict Kind = "conflict"

	// KindNotFound means the referenced object does not exist.
	KindNotFound Kind = "not_found"
)

type Error struct {
	Kind Kind
	// Step names the plan step that failed, when applicable.
	Step string
	Err  error
}

func (e *Error) Error() string {
	if len(e.Step) > 0 {
		return fmt.Sprintf("%s: %s", e.Step, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Step returns a copy of err annotated with the failing step name, or wraps
// a foreign error as a provisioning failure of that step.
func Step(step string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{Kind: fe.Kind, Step: step, Err: fe.Err}
	}
	return &Error{Kind: KindProvisioning, Step: step, Err: err}
}

// KindOf returns the kind of err, or KindProvisioning for errors outside
// the taxonomy.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindProvisioning
}

func is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

func IsValidation(err error) bool   { return is(err, KindValidation) }
func IsConnectivity(err error) bool { return is(err, KindConnectivity) }
func IsProvisioning(err error) bool { return is(err, KindProvisioning) }
func IsTimeout(err error) bool      { return is(err, KindTimeout) }
func IsConflict(err error) bool     { return is(err, KindConflict) }
func IsNotFound(err error) bool     { return is(err, KindNotFound) }
