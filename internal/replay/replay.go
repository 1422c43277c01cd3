// Package replay rebuilds conversation state by folding persisted
// transcript entries back through the reducer. Local chat rows and other
// unrecognized envelope types pass through as no-ops, so a transcript
// written by any client version replays cleanly.
package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/flowsync/internal/conversation"
	"github.com/user/flowsync/internal/types"
)

// Rebuild folds one conversation's transcript into a fresh state. The
// result reflects the stored timeline verbatim; a live subscribe refresh
// corrects anything that changed server-side since the last entry.
func Rebuild(ctx context.Context, transcripts types.TranscriptStore, id types.ConversationID) (conversation.State, error) {
	entries, err := transcripts.All(ctx, id)
	if err != nil {
		return conversation.State{}, fmt.Errorf("read transcript: %w", err)
	}

	state := conversation.NewState(id)
	for _, entry := range entries {
		state = conversation.Apply(state, entry.Envelope)
	}
	return state, nil
}

// Warm hydrates the live store with every active conversation's replayed
// state. Call before wiring watchers so hydration does not trigger
// deliveries. Returns how many conversations were loaded.
func Warm(ctx context.Context, index types.ConversationStore, transcripts types.TranscriptStore, live *conversation.Store) (int, error) {
	convs, err := index.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}

	warmed := 0
	for _, conv := range convs {
		if conv.Status != "active" {
			continue
		}
		entries, err := transcripts.All(ctx, conv.ConversationID)
		if err != nil {
			slog.Warn("skip unreadable transcript",
				"conversation_id", conv.ConversationID, "error", err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		for _, entry := range entries {
			live.ApplyEvent(entry.Envelope)
		}
		warmed++
	}
	return warmed, nil
}
