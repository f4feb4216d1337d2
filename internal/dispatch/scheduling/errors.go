package scheduling

import "fmt"

// ErrInvalidRunner is returned when a poll arrives from an identity that
// must be rejected before any queue access: unregistered or deactivated
// runners. This is an authorization failure, not a scheduling outcome.
type ErrInvalidRunner struct {
	RunnerId string
	Reason   string
}

func (err *ErrInvalidRunner) Error() string {
	return fmt.Sprintf("runner %q rejected: %s", err.RunnerId, err.Reason)
}
