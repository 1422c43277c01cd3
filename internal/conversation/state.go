// Package conversation holds the per-conversation state machines and the
// pure reducer that folds server envelopes into them. The store keys
// states by conversation id; every conversation streams independently and
// events for one never touch another.
package conversation

import (
	"time"

	"github.com/user/flowsync/internal/types"
	"github.com/user/flowsync/pkg/wire"
)

// MaxConcurrentStreamingConversations bounds how many conversations should
// stream at once. The store only reports the current count; callers
// starting a new stream enforce the cap.
const MaxConcurrentStreamingConversations = 5

// maxPendingTools bounds the nested tool-name stack kept for display.
const maxPendingTools = 8

// Phase is a conversation's position in its streaming lifecycle. Every
// phase other than idle implies IsStreaming.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseConnecting    Phase = "connecting"
	PhaseThinking      Phase = "thinking"
	PhaseActing        Phase = "acting"
	PhaseObserving     Phase = "observing"
	PhaseAwaitingInput Phase = "awaiting_input"
	PhaseRetrying      Phase = "retrying"
)

// ToolStatus tracks a tool invocation through its lifecycle.
type ToolStatus string

const (
	ToolRunning ToolStatus = "running"
	ToolSuccess ToolStatus = "success"
	ToolFailed  ToolStatus = "failed"
)

// ToolCall is one active or finished tool invocation, keyed by the
// server's tool_call_id.
type ToolCall struct {
	ID        string
	Name      string
	Status    ToolStatus
	StartedAt time.Time
	Error     string
}

// Usage is the running cost aggregate for a conversation. The server is
// the source of truth: updates replace these totals unless the payload is
// explicitly a delta.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
	Model        string
}

// State is the full materialized state of one conversation. Values are
// treated as immutable snapshots: the reducer copies before mutating, so a
// State handed to an observer never changes underneath it.
type State struct {
	ID types.ConversationID

	// Timeline is the append-only record of envelopes applied to this
	// conversation, in local arrival order.
	Timeline []wire.Envelope

	IsStreaming bool
	Phase       Phase
	// ResumePhase remembers the streaming sub-state interrupted by a
	// pending ask, so answering returns the conversation where it was.
	ResumePhase Phase

	// Message accumulates streamed assistant text for the current turn.
	Message          string
	MessageStreaming bool

	// Thought accumulates streamed model reasoning for the current turn.
	Thought          string
	ThoughtStreaming bool

	ToolCalls map[string]ToolCall
	// PendingTools is a bounded stack of tool names pushed on act and
	// popped on observe, used to display nested invocations.
	PendingTools []string

	// At most one pending ask per kind; a newer ask of the same kind
	// replaces the older one.
	Clarification *wire.AskPayload
	Decision      *wire.AskPayload
	EnvVar        *wire.AskPayload
	Permission    *wire.AskPayload

	Usage     Usage
	FollowUps []string
	Tasks     map[string]wire.TaskPayload

	// LastError holds the most recent agent-side failure, cleared when a
	// new turn starts.
	LastError string

	// High-water marks for the ordering fields of applied envelopes.
	// Envelopes below either mark are stale deliveries.
	LastCounter int64
	LastTimeUS  int64

	// CompletedTurns counts terminal events, successful or not. Observers
	// use it to detect that a turn finished.
	CompletedTurns int
}

// NewState returns the default state for a conversation id.
func NewState(id types.ConversationID) State {
	return State{
		ID:        id,
		Phase:     PhaseIdle,
		ToolCalls: make(map[string]ToolCall),
		Tasks:     make(map[string]wire.TaskPayload),
	}
}

// PendingSummary returns the single ask to surface when several kinds are
// pending at once, in precedence order clarification, decision, env var,
// permission. The second return is false when nothing is pending.
func (s State) PendingSummary() (wire.AskPayload, bool) {
	for _, ask := range []*wire.AskPayload{s.Clarification, s.Decision, s.EnvVar, s.Permission} {
		if ask != nil {
			return *ask, true
		}
	}
	return wire.AskPayload{}, false
}

// HasPendingAsk reports whether any HITL ask kind is pending.
func (s State) HasPendingAsk() bool {
	return s.Clarification != nil || s.Decision != nil || s.EnvVar != nil || s.Permission != nil
}

// RunningTools returns the ids of tool calls still in flight.
func (s State) RunningTools() []string {
	var ids []string
	for id, tc := range s.ToolCalls {
		if tc.Status == ToolRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

func copyTools(m map[string]ToolCall) map[string]ToolCall {
	out := make(map[string]ToolCall, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTasks(m map[string]wire.TaskPayload) map[string]wire.TaskPayload {
	out := make(map[string]wire.TaskPayload, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
