// internal/types/interfaces.go
package types

import (
	"context"
)

type ConversationStore interface {
	ResolveOrCreate(ctx context.Context, key BindingKey) (ConversationID, error)
	Rebind(ctx context.Context, key BindingKey) (ConversationID, error)
	Get(ctx context.Context, id ConversationID) (*ConversationIndex, error)
	Lookup(ctx context.Context, key BindingKey) (*ConversationIndex, error)
	List(ctx context.Context) ([]*ConversationIndex, error)
	Update(ctx context.Context, conv *ConversationIndex) error
	Delete(ctx context.Context, id ConversationID) error
}

type TranscriptStore interface {
	Append(ctx context.Context, id ConversationID, entry *TranscriptEntry) error
	Tail(ctx context.Context, id ConversationID, limit int) ([]*TranscriptEntry, error)
	All(ctx context.Context, id ConversationID) ([]*TranscriptEntry, error)
	Count(ctx context.Context, id ConversationID) (int64, error)
}

type ArtifactStore interface {
	Put(ctx context.Context, id ConversationID, origin string, data string) (ArtifactID, error)
	Get(ctx context.Context, artifact ArtifactID) (string, error)
	GetMeta(ctx context.Context, artifact ArtifactID) (*ArtifactMeta, error)
	Excerpt(ctx context.Context, artifact ArtifactID, query string, maxChars int) (string, error)
}
