package spine

import (
	"fmt"
	"strings"
)

// RefusalError is a deliberate, policy-driven rejection of a request. It is
// not a system fault: the engine is working correctly when it refuses. The
// message is human-readable and, for readiness refusals, names every Open
// constraint (or states there are none).
type RefusalError struct {
	Message         string
	OpenConstraints []string
}

func (e *RefusalError) Error() string { return e.Message }

// NotFoundError reports a missing entity. Not-found conditions propagate
// immediately, before any mutation.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.EntityType, e.ID)
}

// ValidationError reports a missing or malformed required argument. Raised
// before any entity mutation is attempted.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ImmutabilityError reports an attempt to alter a field that is fixed after
// creation, naming every offending field.
type ImmutabilityError struct {
	Fields []string
}

func (e *ImmutabilityError) Error() string {
	return fmt.Sprintf("commitment is immutable: cannot modify %s", strings.Join(e.Fields, ", "))
}

// InvalidStateError reports an operation invoked from a state that does not
// allow it, naming the current state.
type InvalidStateError struct {
	Reason  string
	Current string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: current state is %s", e.Reason, e.Current)
}
