// Package agent provides the runtime shim that turns a broker connection
// into a long-running agent: a handler table keyed by message type, a
// lifecycle state machine, and the default wire protocol every agent speaks
// (ping/pong, heartbeat, shutdown, status).
//
// A Runtime moves through four states: uninitialized, active, shutting down,
// stopped. Initialize subscribes the agent to its own channel and the
// broadcast channel and announces it with a heartbeat; Shutdown broadcasts a
// departure notice, joins the background loop, and unsubscribes. Shutdown is
// idempotent and nothing restarts a stopped runtime.
//
// One bad message never stops an agent: handler errors and panics are logged
// at the dispatch boundary and the loop keeps processing.
package agent
