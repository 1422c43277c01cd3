package wire

import (
	"encoding/json"
	"fmt"
)

// Server event types recognized by the client. The set is open: servers may
// introduce new types at any time, so these constants enumerate what this
// client reacts to, not what may appear on the wire.
const (
	// Terminal events for a streaming segment.
	EventComplete = "complete"
	EventError    = "error"

	// Assistant text streaming.
	EventMessageStart = "message_start"
	EventMessageDelta = "message_delta"
	EventMessageEnd   = "message_end"

	// Model reasoning ("thought") streaming.
	EventThoughtStart = "thought_start"
	EventThoughtDelta = "thought_delta"
	EventThoughtEnd   = "thought_end"

	// Tool invocation lifecycle, keyed by tool_call_id.
	EventAct     = "act"
	EventObserve = "observe"

	// Transient retry signal from the backend.
	EventRetry = "retry"

	// Human-in-the-loop asks and their resolutions.
	EventClarificationAsked   = "clarification_asked"
	EventClarificationReplied = "clarification_replied"
	EventDecisionAsked        = "decision_asked"
	EventDecisionReplied      = "decision_replied"
	EventEnvVarAsked          = "env_var_asked"
	EventEnvVarReplied        = "env_var_replied"
	EventPermissionAsked      = "permission_asked"
	EventPermissionReplied    = "permission_replied"

	// Task synchronization.
	EventTaskListUpdated = "task_list_updated"
	EventTaskUpdated     = "task_updated"
	EventTaskStart       = "task_start"
	EventTaskComplete    = "task_complete"

	// Cost and telemetry.
	EventUsageUpdated = "usage_updated"

	// Follow-up suggestions for the just-finished turn.
	EventFollowUpSuggested = "follow_up_suggested"

	// Server reply to a ping frame.
	EventPong = "pong"
)

// DeltaPayload carries one chunk of streamed content. Replace signals that
// Content supersedes the buffer instead of appending to it.
type DeltaPayload struct {
	Content string `json:"content"`
	Replace bool   `json:"replace,omitempty"`
}

// ActPayload announces a tool invocation.
type ActPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ObservePayload reports a tool invocation's outcome. A non-empty Error
// marks the call failed regardless of Success.
type ObservePayload struct {
	ToolCallID string `json:"tool_call_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Output     string `json:"output,omitempty"`
}

// AskPayload is shared by all four HITL ask kinds. Options is populated for
// decision asks, Key for env-var asks, Tool for permission asks.
type AskPayload struct {
	RequestID string   `json:"request_id"`
	Summary   string   `json:"summary"`
	Prompt    string   `json:"prompt,omitempty"`
	Options   []string `json:"options,omitempty"`
	Key       string   `json:"key,omitempty"`
	Tool      string   `json:"tool,omitempty"`
}

// ReplyPayload resolves a pending HITL ask.
type ReplyPayload struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response,omitempty"`
	Approved  *bool  `json:"approved,omitempty"`
}

// UsagePayload reports cost accounting. Values are running totals unless
// Delta is set, in which case they are increments to accumulate.
type UsagePayload struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Model        string  `json:"model,omitempty"`
	Delta        bool    `json:"delta,omitempty"`
}

// TaskPayload describes a single synchronized task.
type TaskPayload struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`
}

// TaskListPayload replaces the full task list for a conversation.
type TaskListPayload struct {
	Tasks []TaskPayload `json:"tasks"`
}

// ErrorPayload carries an agent-side failure delivered as a normal event.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// CompletePayload ends a turn. MessageID identifies the finalized
// assistant message when the server assigns one.
type CompletePayload struct {
	MessageID string `json:"message_id,omitempty"`
}

// FollowUpsPayload replaces the follow-up suggestion list.
type FollowUpsPayload struct {
	Suggestions []string `json:"suggestions"`
}

// DecodePayload unmarshals an envelope's data into the given payload type.
// An envelope with no data yields the zero value, which every payload type
// treats as a valid empty payload.
func DecodePayload[T any](env Envelope) (T, error) {
	var p T
	if len(env.Data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return p, nil
}

// Decode maps an envelope to its typed payload. The second return is false
// for types this client does not recognize; callers treat those as no-ops.
// The switch is the single place a newly recognized type gets wired in.
func Decode(env Envelope) (any, bool, error) {
	switch env.Type {
	case EventMessageDelta, EventThoughtDelta:
		p, err := DecodePayload[DeltaPayload](env)
		return p, true, err
	case EventMessageStart, EventMessageEnd, EventThoughtStart, EventThoughtEnd:
		p, err := DecodePayload[DeltaPayload](env)
		return p, true, err
	case EventAct:
		p, err := DecodePayload[ActPayload](env)
		return p, true, err
	case EventObserve:
		p, err := DecodePayload[ObservePayload](env)
		return p, true, err
	case EventClarificationAsked, EventDecisionAsked, EventEnvVarAsked, EventPermissionAsked:
		p, err := DecodePayload[AskPayload](env)
		return p, true, err
	case EventClarificationReplied, EventDecisionReplied, EventEnvVarReplied, EventPermissionReplied:
		p, err := DecodePayload[ReplyPayload](env)
		return p, true, err
	case EventUsageUpdated:
		p, err := DecodePayload[UsagePayload](env)
		return p, true, err
	case EventTaskUpdated, EventTaskStart, EventTaskComplete:
		p, err := DecodePayload[TaskPayload](env)
		return p, true, err
	case EventTaskListUpdated:
		p, err := DecodePayload[TaskListPayload](env)
		return p, true, err
	case EventError:
		p, err := DecodePayload[ErrorPayload](env)
		return p, true, err
	case EventComplete:
		p, err := DecodePayload[CompletePayload](env)
		return p, true, err
	case EventFollowUpSuggested:
		p, err := DecodePayload[FollowUpsPayload](env)
		return p, true, err
	case EventRetry, EventPong:
		return struct{}{}, true, nil
	default:
		return nil, false, nil
	}
}
