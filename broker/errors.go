package broker

import "fmt"

// TransportError wraps a backing-store failure. It is logged at the broker
// boundary and surfaced to callers as a false return or an empty result,
// never as a raised error across the agent's processing loop.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
