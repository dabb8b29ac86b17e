// Package messages defines the message envelope exchanged between agents.
//
// A Message is an immutable value: once constructed it is never modified,
// replies are new messages that carry the correlation id of the request
// forward. The wire representation is a flat JSON object whose field names
// are part of the public contract; REST handlers and CLI tooling match them
// byte for byte.
//
// Construction goes through New, which validates the sender and priority
// before any I/O happens. Everything downstream of New can assume the
// envelope is well formed.
package messages
