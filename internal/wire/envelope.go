package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the single JSON frame shape carried by every websocket
// message between a worker and the coordinator, per the control-channel
// contract: {event, payload}. Grounded on the teacher's Hub.BroadcastEvent,
// which wrapped outbound frames as {type, data, timestamp}; Timestamp is
// kept here for the same reason the teacher kept it — so a lagging
// subscriber can tell how stale a frame is — but the field driving dispatch
// is renamed Event to match the spec's wire vocabulary.
type Envelope struct {
	Event     Event           `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into an Envelope ready to send.
func NewEnvelope(event Event, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s: %w", event, err)
		}
		raw = b
	}
	return &Envelope{
		Event:     event,
		Payload:   raw,
		Timestamp: time.Now(),
	}, nil
}

// Encode marshals the envelope to bytes suitable for a websocket text frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals payload into dst. Call after inspecting e.Event to pick
// the right destination type.
func (e *Envelope) Decode(dst interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// DecodeEnvelope parses a raw websocket frame into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// BroadcastPayload is the payload shape of an EventBroadcastEvent envelope:
// a typed system notification fanned out to every connected subscriber,
// generalized from the teacher's Docker-transfer broadcast events to
// migration- and task-lifecycle events.
type BroadcastPayload struct {
	Type BroadcastEventType     `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}
