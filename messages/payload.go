package messages

import (
	json "github.com/goccy/go-json"
)

// Payload is the application-level content of a message: a JSON object with
// string keys and arbitrary JSON values. Handlers read it schema-on-read.
type Payload map[string]any

// ToPayload converts any JSON-serializable value into a Payload by round
// tripping it through its JSON encoding.
func ToPayload(val any) (Payload, error) {
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var result Payload
	if err := json.Unmarshal(b, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// String returns a value from the payload when it is a string, and ""
// otherwise.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// ToJSON serializes the payload on its own, for task queues that carry bare
// payloads instead of full message envelopes.
func (p Payload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// PayloadFromJSON decodes a bare payload object.
func PayloadFromJSON(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
