package ws

import "encoding/json"

// MessageType is the "type" discriminator of every envelope.
type MessageType string

const (
	// Client -> Server
	MessageTypeRequest MessageType = "request"

	// Server -> Client
	MessageTypeResponse MessageType = "response"

	// Server push events
	PushConnectionEstablished      MessageType = "connection_established"
	PushInitializationComplete     MessageType = "initialization_complete"
	PushGraphUpdated               MessageType = "graph_updated"
	PushCharacterSubmissionRequest MessageType = "request_character_submission"
	PushReinitializationComplete   MessageType = "auto_reinitialization_complete"
	PushReinitializationFailed     MessageType = "auto_reinitialization_failed"
)

// Request is the client -> server RPC envelope.
type Request struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action"`
	RequestID string      `json:"request_id"`
	Payload   any         `json:"payload"`
}

// ResponseError carries a remote application error.
type ResponseError struct {
	Message string `json:"message"`
}

// Response is the server -> client RPC envelope.
type Response struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ResponseError  `json:"error,omitempty"`
}

// Push is a server-initiated event. Raw holds the complete frame so handlers
// can decode event-specific fields.
type Push struct {
	Type MessageType
	Raw  json.RawMessage
}

// Decode unmarshals the full push frame into v.
func (p Push) Decode(v any) error {
	return json.Unmarshal(p.Raw, v)
}

// envelope is the minimal shape used to route an inbound frame.
type envelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
}
