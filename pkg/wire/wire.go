// Package wire defines the JSON frame format spoken between a flowsync
// client and the agent backend over the realtime connection. The envelope
// carries an open set of event types; consumers switch on Type and decode
// Data into the matching payload struct. Unrecognized types are valid
// frames and must be treated as no-ops.
package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is a server-to-client frame. Data is left opaque until the
// consumer decodes it against the payload type implied by Type.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	EventTimeUS    int64           `json:"event_time_us,omitempty"`
	EventCounter   int64           `json:"event_counter,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
}

// ParseEnvelope decodes a raw frame body into an Envelope. A frame without
// a type tag is malformed.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type tag")
	}
	return env, nil
}

// SubscribeFrame is the client-to-server frame that attaches this
// connection to a conversation's event stream.
type SubscribeFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// NewSubscribe builds a subscribe frame for the given conversation.
func NewSubscribe(conversationID string) SubscribeFrame {
	return SubscribeFrame{Type: FrameSubscribe, ConversationID: conversationID}
}

// PingFrame is the client-to-server keep-alive frame.
type PingFrame struct {
	Type string `json:"type"`
}

// NewPing builds a keep-alive frame.
func NewPing() PingFrame {
	return PingFrame{Type: FramePing}
}

// ChatFrame is the client-to-server frame that submits a user message to a
// conversation. FileIDs reference server-side uploads and may be empty.
type ChatFrame struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	FileIDs        []string `json:"file_ids,omitempty"`
}

// NewChat builds a chat frame carrying a user message.
func NewChat(conversationID, message string, fileIDs ...string) ChatFrame {
	return ChatFrame{
		Type:           FrameChat,
		ConversationID: conversationID,
		Message:        message,
		FileIDs:        fileIDs,
	}
}

// Client-to-server frame type tags.
const (
	FrameSubscribe = "subscribe"
	FramePing      = "ping"
	FrameChat      = "chat"
)
