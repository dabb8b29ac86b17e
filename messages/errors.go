package messages

import "fmt"

// ValidationError rejects a malformed message before any I/O happens. It is
// the only failure in the system that aborts the operation that raised it;
// everything past construction degrades to logged-and-continue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}
