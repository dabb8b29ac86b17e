package messages

import (
	"time"

	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	// MinPriority is the most urgent priority an agent can request.
	MinPriority = 1
	// MaxPriority is the least urgent priority an agent can request.
	MaxPriority = 10
	// DefaultPriority is used when the sender does not express urgency.
	DefaultPriority = 5

	// BroadcastChannel receives every message without an explicit recipient.
	BroadcastChannel = "broadcast"

	// scoreBase spaces priority bands far enough apart that unix timestamps
	// can never promote an entry into a more urgent band.
	scoreBase = int64(1_000_000_000_000)
)

// Message is one unit of inter-agent communication. The json tags are the
// wire contract; see the package documentation.
type Message struct {
	ID            string           `json:"id"`
	FromAgent     string           `json:"from_agent"`
	ToAgent       string           `json:"to_agent,omitempty"`
	MessageType   string           `json:"message_type"`
	Payload       Payload          `json:"payload"`
	Priority      int              `json:"priority"`
	CreatedAt     strfmt.DateTime  `json:"created_at"`
	ExpiresAt     *strfmt.DateTime `json:"expires_at,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
}

var (
	// WithPriority overrides the default priority. 1 is most urgent, 10 least.
	WithPriority = opts.ForName[Message, int]("Priority")
	// WithCorrelationID links this message to the request it answers, or marks
	// it as a request expecting correlated replies.
	WithCorrelationID = opts.ForName[Message, string]("CorrelationID")
)

// WithTTL gives the message a delivery deadline. Once the deadline passes the
// message is no longer served from durable storage; live delivery that
// already happened is unaffected.
func WithTTL(ttl time.Duration) opts.Option[Message] {
	return opts.Type[Message](func(m *Message) error {
		deadline := strfmt.DateTime(time.Time(m.CreatedAt).Add(ttl))
		m.ExpiresAt = &deadline
		return nil
	})
}

// New constructs a validated message. to may be empty, which addresses the
// message to every agent on the broadcast channel. Construction fails with a
// *ValidationError when from is empty or the priority lands outside [1,10];
// nothing is sent and nothing needs to be rolled back.
func New(from, to, msgType string, payload Payload, options ...opts.Option[Message]) (*Message, error) {
	if from == "" {
		return nil, &ValidationError{Field: "from_agent", Reason: "must not be empty"}
	}
	if msgType == "" {
		return nil, &ValidationError{Field: "message_type", Reason: "must not be empty"}
	}
	if payload == nil {
		payload = Payload{}
	}

	msg := Message{
		ID:          uuid.Must(uuid.NewV7()).String(),
		FromAgent:   from,
		ToAgent:     to,
		MessageType: msgType,
		Payload:     payload,
		Priority:    DefaultPriority,
		CreatedAt:   strfmt.DateTime(time.Now().UTC().Truncate(time.Millisecond)),
	}
	if err := opts.Apply(&msg, options); err != nil {
		return nil, err
	}
	if msg.Priority < MinPriority || msg.Priority > MaxPriority {
		return nil, &ValidationError{Field: "priority", Reason: "must be between 1 and 10"}
	}
	return &msg, nil
}

// Reply builds a new message addressed back at the sender, carrying the
// correlation id forward. The original message is left untouched.
func (m *Message) Reply(from, msgType string, payload Payload, options ...opts.Option[Message]) (*Message, error) {
	if m.CorrelationID != "" {
		options = append(options, WithCorrelationID(m.CorrelationID))
	}
	return New(from, m.FromAgent, msgType, payload, options...)
}

// Channel returns the delivery channel this message is addressed to:
// agent:<id> for direct messages, the broadcast channel otherwise.
func (m *Message) Channel() string {
	if m.ToAgent != "" {
		return AgentChannel(m.ToAgent)
	}
	return BroadcastChannel
}

// AgentChannel names the direct-delivery channel of an agent.
func AgentChannel(agentID string) string {
	return "agent:" + agentID
}

// Score folds priority and recency into one sortable key: lower scores pop
// first. Priority bands are spaced by scoreBase so that within a band the
// creation time breaks ties, oldest first.
func (m *Message) Score() int64 {
	return Score(m.Priority, time.Time(m.CreatedAt))
}

// Score computes the queue ordering key for an arbitrary priority and
// creation time.
func Score(priority int, createdAt time.Time) int64 {
	return int64(priority)*scoreBase + createdAt.Unix()
}

// Expired reports whether the message's delivery deadline has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(time.Time(*m.ExpiresAt))
}

// TTL returns the remaining time before the delivery deadline. The second
// return value is false when the message has no deadline.
func (m *Message) TTL(now time.Time) (time.Duration, bool) {
	if m.ExpiresAt == nil {
		return 0, false
	}
	return time.Time(*m.ExpiresAt).Sub(now), true
}

// ToJSON serializes the message for the wire and for durable storage.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON decodes a wire envelope back into a message.
func FromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
