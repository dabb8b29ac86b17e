// Package broker implements priority-ordered, addressable message delivery
// between agents. A single publish does two things: it appends the message to
// a durable per-channel priority queue, and it fans the message out to every
// callback currently subscribed to the channel. The durable write is the
// authoritative success signal; live delivery is best effort.
//
// Two implementations are provided:
//   - Local: everything in process memory, used by tests and single-process
//     deployments.
//   - Redis: PUBLISH/SUBSCRIBE for live delivery and sorted sets for the
//     durable queues, so independent agent processes share one broker.
//
// Ordering guarantees hold per channel only: entries pop most-urgent first
// (priority 1 before priority 10), oldest first within a priority band.
// Nothing is guaranteed across channels.
//
// Failure semantics follow one rule: after message construction, nothing
// raises across the agent's processing loop. Storage failures surface as a
// false return or an empty result and are logged; callback failures are
// isolated per callback.
package broker
