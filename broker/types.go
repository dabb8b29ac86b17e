package broker

import (
	"context"
	"time"

	"github.com/casualjim/courier/messages"
)

// Callback receives live-delivered messages for a channel it subscribed to.
// Callbacks run concurrently with each other; a slow or panicking callback
// never blocks delivery to its siblings.
type Callback func(ctx context.Context, msg *messages.Message)

// Subscription is the handle returned by Subscribe. Unsubscribe is safe to
// call more than once.
type Subscription interface {
	ID() string
	Unsubscribe()
}

// Broker is the delivery surface agents and operational tooling talk to.
type Broker interface {
	// Publish writes msg durably to the channel's priority queue and pushes it
	// to every live subscriber. channel may be empty, in which case it derives
	// from the message: agent:<to_agent>, or broadcast when there is no
	// recipient. The return value reports the durable write only; live
	// delivery failures are logged and do not fail the publish.
	Publish(ctx context.Context, msg *messages.Message, channel string) bool

	// Subscribe registers a callback for a channel. Repeated subscriptions
	// add callbacks; all of them fire for each message.
	Subscribe(ctx context.Context, channel string, cb Callback) (Subscription, error)

	// SendToAgent publishes msg to the agent's direct channel.
	SendToAgent(ctx context.Context, agentID string, msg *messages.Message) bool

	// Broadcast publishes msg to every agent.
	Broadcast(ctx context.Context, msg *messages.Message) bool

	// StartListening runs the live delivery loop until StopListening is called
	// or ctx is cancelled. It blocks, so callers run it in its own goroutine.
	StartListening(ctx context.Context) error

	// StopListening stops the delivery loop. Idempotent.
	StopListening()

	// PopMessage atomically removes and returns the most urgent message from
	// the channel's durable queue. The second return value is false when the
	// queue is empty. Expired entries are skipped as if absent.
	PopMessage(ctx context.Context, channel string) (*messages.Message, bool)

	// QueueLength reports how many undelivered, unexpired entries the named
	// queue holds.
	QueueLength(ctx context.Context, name string) int

	// CreateTaskQueue initializes a named work queue. Calling it for an
	// existing queue is a no-op.
	CreateTaskQueue(ctx context.Context, name string) error

	// AddTask enqueues a bare task payload on a named work queue.
	AddTask(ctx context.Context, name string, task messages.Payload, priority int) bool

	// GetTask blocks up to timeout for the most urgent task on the queue. A
	// timeout is a normal empty result, not a failure.
	GetTask(ctx context.Context, name string, timeout time.Duration) (messages.Payload, bool)

	// History returns up to limit of the agent's most recent messages, newest
	// first. An agent with no history yields an empty slice.
	History(ctx context.Context, agentID string, limit int) []messages.Payload

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) bool

	// Stats returns observability counters for the operational API layer.
	Stats(ctx context.Context) messages.Payload

	// Close stops the listener and releases the backing connection.
	Close() error
}

const (
	// historyCap bounds each agent's audit log; the oldest entry is evicted
	// once the cap is reached.
	historyCap = 1000

	// pollTimeout bounds one iteration of the live delivery loop.
	pollTimeout = time.Second
)

// queueKey names the durable queue backing a channel.
func queueKey(channel string) string {
	return "queue:" + channel
}

// historyKey names an agent's bounded message log.
func historyKey(agentID string) string {
	return "history:" + agentID
}

// historyRecord is the compact projection of a delivered message kept in the
// history ledger.
func historyRecord(msg *messages.Message) messages.Payload {
	rec := messages.Payload{
		"id":           msg.ID,
		"from_agent":   msg.FromAgent,
		"message_type": msg.MessageType,
		"payload":      msg.Payload,
		"created_at":   msg.CreatedAt.String(),
	}
	if msg.ToAgent != "" {
		rec["to_agent"] = msg.ToAgent
	}
	if msg.CorrelationID != "" {
		rec["correlation_id"] = msg.CorrelationID
	}
	return rec
}

// historyOwner decides whose ledger a published message lands in: the
// recipient for direct messages, the sender for broadcasts.
func historyOwner(msg *messages.Message) string {
	if msg.ToAgent != "" {
		return msg.ToAgent
	}
	return msg.FromAgent
}
