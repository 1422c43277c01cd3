// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type ConversationID string
type MessageID string
type ArtifactID string
type BindingKey string

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewArtifactID() ArtifactID {
	return ArtifactID(uuid.New().String())
}

// NewBindingKey joins channel-specific parts into a binding key, e.g.
// ("telegram", chatID) -> "telegram:123456".
func NewBindingKey(parts ...string) BindingKey {
	return BindingKey(strings.Join(parts, ":"))
}

// Channel returns the channel prefix of a binding key, or "" when the key
// has no prefix.
func (k BindingKey) Channel() string {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return ""
}

// Address returns the channel-specific remainder of a binding key, e.g.
// the chat ID for "lark:oc_abc".
func (k BindingKey) Address() string {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return ""
}
