package realtime

import "encoding/json"

// Message types pushed by the backend over the websocket.
const (
	TypeConnectionAck   = "connection_ack"
	TypeEntityCompleted = "entity_completed"
	TypeEntityFailed    = "entity_failed"
	TypeError           = "error"
)

// Envelope is the wire format for inbound messages. EntityID may carry either
// the backend's remote ID or, for entities whose create ack has not landed
// yet, the client-supplied local ID.
type Envelope struct {
	Type     string          `json:"type"`
	EntityID string          `json:"entity_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	// EntityFailed fields.
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	// Error fields.
	ErrorCode string `json:"error_code,omitempty"`
}

// CompletionPayload is the payload of an entity_completed message.
type CompletionPayload struct {
	EntityType string          `json:"entity_type"`
	Quantity   float64         `json:"quantity"`
	Unit       string          `json:"unit,omitempty"`
	OccurredAt string          `json:"occurred_at,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}
