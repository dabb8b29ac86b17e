// Package slogx provides slog attribute helpers shared by the broker and the
// agent runtime so that log fields stay consistently named across packages.
package slogx

import (
	"fmt"
	"log/slog"
)

// Error returns an attribute with the key "error" and the error's message.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Stringer returns an attribute holding the string form of value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// Channel returns the attribute naming the pub/sub channel an operation
// touched.
func Channel(name string) slog.Attr {
	return slog.String("channel", name)
}

// Agent returns the attribute naming the agent an operation acted for.
func Agent(id string) slog.Attr {
	return slog.String("agent", id)
}

// MessageType returns the attribute naming the type tag of a message.
func MessageType(t string) slog.Attr {
	return slog.String("message_type", t)
}
