// Package history provides filesystem-backed storage for the local copy
// of conversations: the binding index, per-conversation transcripts,
// overflow artifacts, and scheduled prompts.
package history

import "github.com/user/flowsync/internal/types"

// Compile-time interface compliance checks.
var _ types.ConversationStore = (*IndexStore)(nil)
var _ types.TranscriptStore = (*TranscriptStore)(nil)
var _ types.ArtifactStore = (*ArtifactStore)(nil)
