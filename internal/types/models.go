// internal/types/models.go
package types

import (
	"encoding/json"
	"time"

	"github.com/user/flowsync/pkg/wire"
)

// TranscriptEntry is one received envelope as persisted in a conversation's
// local transcript. Seq is assigned at append time and records local
// arrival order, which may differ from server order.
type TranscriptEntry struct {
	Seq        int64         `json:"seq"`
	At         time.Time     `json:"at"`
	Envelope   wire.Envelope `json:"envelope"`
	ArtifactID ArtifactID    `json:"artifact_id,omitempty"`
}

// ConversationIndex is the locally tracked record of a known conversation.
type ConversationIndex struct {
	ConversationID ConversationID `json:"conversation_id"`
	BindingKey     BindingKey     `json:"binding_key,omitempty"`
	Title          string         `json:"title,omitempty"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastEventSeq   int64          `json:"last_event_seq"`
}

// ArtifactMeta describes an overflow artifact holding payload content too
// large to deliver inline to a channel.
type ArtifactMeta struct {
	ID             ArtifactID     `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Origin         string         `json:"origin"`
	CreatedAt      time.Time      `json:"created_at"`
	MimeType       string         `json:"mime_type,omitempty"`
}

// InboundMessage is a user message arriving from a messaging channel before
// it is forwarded to the bound conversation.
type InboundMessage struct {
	Source     string          `json:"source"`
	BindingKey BindingKey      `json:"binding_key"`
	UserID     string          `json:"user_id"`
	Text       string          `json:"text"`
	FileIDs    []string        `json:"file_ids,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}
