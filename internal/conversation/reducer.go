package conversation

import (
	"log/slog"
	"time"

	"github.com/user/flowsync/pkg/wire"
)

// Apply folds one envelope into a conversation state and returns the next
// state. Pure with respect to prev: backing maps and slices are copied
// before any write, so callers may hold the previous snapshot safely.
// Unrecognized event types return prev unchanged. Recognized envelopes are
// appended to the timeline even when stale; stale envelopes may reapply
// idempotent tool statuses but never resurrect streaming, regress usage
// totals, or re-open answered asks.
func Apply(prev State, env wire.Envelope) State {
	payload, ok, err := wire.Decode(env)
	if !ok {
		return prev
	}
	if err != nil {
		slog.Debug("dropping undecodable event payload",
			"type", env.Type, "conversation_id", env.ConversationID, "error", err)
		return prev
	}
	if env.Type == wire.EventPong {
		// Connection keep-alive, carries no conversation semantics.
		return prev
	}

	stale := isStale(prev, env)

	next := prev
	next.Timeline = append(prev.Timeline[:len(prev.Timeline):len(prev.Timeline)], env)
	if !stale {
		if env.EventCounter > next.LastCounter {
			next.LastCounter = env.EventCounter
		}
		if env.EventTimeUS > next.LastTimeUS {
			next.LastTimeUS = env.EventTimeUS
		}
	}

	switch env.Type {
	case wire.EventMessageStart:
		if stale {
			return next
		}
		next.Message = ""
		next.MessageStreaming = true
		next.LastError = ""
		enterStreaming(&next, PhaseThinking)

	case wire.EventMessageDelta:
		if stale {
			return next
		}
		p := payload.(wire.DeltaPayload)
		if p.Replace {
			next.Message = p.Content
		} else {
			next.Message = prev.Message + p.Content
		}
		next.MessageStreaming = true
		enterStreaming(&next, PhaseThinking)

	case wire.EventMessageEnd:
		if stale {
			return next
		}
		next.MessageStreaming = false

	case wire.EventThoughtStart:
		if stale {
			return next
		}
		next.Thought = ""
		next.ThoughtStreaming = true
		next.LastError = ""
		enterStreaming(&next, PhaseThinking)

	case wire.EventThoughtDelta:
		if stale {
			return next
		}
		p := payload.(wire.DeltaPayload)
		if p.Replace {
			next.Thought = p.Content
		} else {
			next.Thought = prev.Thought + p.Content
		}
		next.ThoughtStreaming = true
		enterStreaming(&next, PhaseThinking)

	case wire.EventThoughtEnd:
		if stale {
			return next
		}
		next.ThoughtStreaming = false

	case wire.EventAct:
		p := payload.(wire.ActPayload)
		next.ToolCalls = copyTools(prev.ToolCalls)
		if stale {
			// Insert only when absent: a stale act must not move an
			// already finished call back to running.
			if _, exists := next.ToolCalls[p.ToolCallID]; !exists {
				next.ToolCalls[p.ToolCallID] = newToolCall(p, env)
			}
			return next
		}
		next.ToolCalls[p.ToolCallID] = newToolCall(p, env)
		next.PendingTools = pushTool(prev.PendingTools, p.Name)
		enterStreaming(&next, PhaseActing)

	case wire.EventObserve:
		p := payload.(wire.ObservePayload)
		status := ToolSuccess
		if !p.Success || p.Error != "" {
			status = ToolFailed
		}
		next.ToolCalls = copyTools(prev.ToolCalls)
		if tc, exists := next.ToolCalls[p.ToolCallID]; exists {
			tc.Status = status
			tc.Error = p.Error
			next.ToolCalls[p.ToolCallID] = tc
			if !stale {
				next.PendingTools = popTool(prev.PendingTools, tc.Name)
			}
		} else if !stale {
			// Outcome for a call whose act never arrived; record it anyway.
			next.ToolCalls[p.ToolCallID] = ToolCall{ID: p.ToolCallID, Status: status, Error: p.Error}
		}
		if stale {
			return next
		}
		enterStreaming(&next, PhaseObserving)

	case wire.EventRetry:
		if stale {
			return next
		}
		enterStreaming(&next, PhaseRetrying)

	case wire.EventClarificationAsked:
		if stale {
			return next
		}
		p := payload.(wire.AskPayload)
		next.Clarification = &p
		enterAwaiting(&next)

	case wire.EventDecisionAsked:
		if stale {
			return next
		}
		p := payload.(wire.AskPayload)
		next.Decision = &p
		enterAwaiting(&next)

	case wire.EventEnvVarAsked:
		if stale {
			return next
		}
		p := payload.(wire.AskPayload)
		next.EnvVar = &p
		enterAwaiting(&next)

	case wire.EventPermissionAsked:
		if stale {
			return next
		}
		p := payload.(wire.AskPayload)
		next.Permission = &p
		enterAwaiting(&next)

	case wire.EventClarificationReplied:
		if stale {
			return next
		}
		next.Clarification = nil
		exitAwaiting(&next)

	case wire.EventDecisionReplied:
		if stale {
			return next
		}
		next.Decision = nil
		exitAwaiting(&next)

	case wire.EventEnvVarReplied:
		if stale {
			return next
		}
		next.EnvVar = nil
		exitAwaiting(&next)

	case wire.EventPermissionReplied:
		if stale {
			return next
		}
		next.Permission = nil
		exitAwaiting(&next)

	case wire.EventUsageUpdated:
		if stale {
			return next
		}
		p := payload.(wire.UsagePayload)
		if p.Delta {
			next.Usage.InputTokens += p.InputTokens
			next.Usage.OutputTokens += p.OutputTokens
			next.Usage.TotalTokens += p.TotalTokens
			next.Usage.CostUSD += p.CostUSD
		} else {
			next.Usage.InputTokens = p.InputTokens
			next.Usage.OutputTokens = p.OutputTokens
			next.Usage.TotalTokens = p.TotalTokens
			next.Usage.CostUSD = p.CostUSD
		}
		if p.Model != "" {
			next.Usage.Model = p.Model
		}

	case wire.EventFollowUpSuggested:
		if stale {
			return next
		}
		p := payload.(wire.FollowUpsPayload)
		next.FollowUps = append([]string(nil), p.Suggestions...)

	case wire.EventTaskListUpdated:
		if stale {
			return next
		}
		p := payload.(wire.TaskListPayload)
		tasks := make(map[string]wire.TaskPayload, len(p.Tasks))
		for _, task := range p.Tasks {
			tasks[task.TaskID] = task
		}
		next.Tasks = tasks

	case wire.EventTaskUpdated, wire.EventTaskStart, wire.EventTaskComplete:
		if stale {
			return next
		}
		p := payload.(wire.TaskPayload)
		if p.Status == "" {
			switch env.Type {
			case wire.EventTaskStart:
				p.Status = "running"
			case wire.EventTaskComplete:
				p.Status = "completed"
			}
		}
		next.Tasks = copyTasks(prev.Tasks)
		if existing, exists := next.Tasks[p.TaskID]; exists {
			if p.Title != "" {
				existing.Title = p.Title
			}
			if p.Status != "" {
				existing.Status = p.Status
			}
			next.Tasks[p.TaskID] = existing
		} else {
			next.Tasks[p.TaskID] = p
		}

	case wire.EventError:
		if stale {
			return next
		}
		p := payload.(wire.ErrorPayload)
		next.LastError = p.Message
		finishTurn(&next)

	case wire.EventComplete:
		if stale {
			return next
		}
		finishTurn(&next)
	}

	return next
}

// isStale reports whether env's ordering fields fall below the applied
// high-water marks. Envelopes without ordering fields are never stale;
// arrival order is trusted for them.
func isStale(prev State, env wire.Envelope) bool {
	if env.EventCounter > 0 && env.EventCounter < prev.LastCounter {
		return true
	}
	if env.EventTimeUS > 0 && env.EventTimeUS < prev.LastTimeUS {
		return true
	}
	return false
}

// enterStreaming moves the conversation into a streaming sub-state. When
// an ask is pending the sub-state is parked in ResumePhase and the visible
// phase stays awaiting_input.
func enterStreaming(s *State, phase Phase) {
	s.IsStreaming = true
	if s.HasPendingAsk() {
		s.ResumePhase = phase
		s.Phase = PhaseAwaitingInput
		return
	}
	s.Phase = phase
}

// enterAwaiting records the interrupted phase and switches to
// awaiting_input. Awaiting a human reply keeps the stream alive.
func enterAwaiting(s *State) {
	if s.Phase != PhaseAwaitingInput {
		s.ResumePhase = s.Phase
		s.Phase = PhaseAwaitingInput
	}
	s.IsStreaming = true
}

// exitAwaiting returns to the interrupted phase once no ask remains
// pending. A reply arriving when nothing was pending is a no-op.
func exitAwaiting(s *State) {
	if s.HasPendingAsk() || s.Phase != PhaseAwaitingInput {
		return
	}
	resume := s.ResumePhase
	if resume == "" {
		resume = PhaseIdle
	}
	s.Phase = resume
	s.ResumePhase = ""
	s.IsStreaming = resume != PhaseIdle
}

// finishTurn applies a terminal event: streaming ends, pending asks are
// void, the conversation returns to idle.
func finishTurn(s *State) {
	s.IsStreaming = false
	s.MessageStreaming = false
	s.ThoughtStreaming = false
	s.Phase = PhaseIdle
	s.ResumePhase = ""
	s.Clarification = nil
	s.Decision = nil
	s.EnvVar = nil
	s.Permission = nil
	s.PendingTools = nil
	s.CompletedTurns++
}

func newToolCall(p wire.ActPayload, env wire.Envelope) ToolCall {
	startedAt := time.Now()
	if env.EventTimeUS > 0 {
		startedAt = time.UnixMicro(env.EventTimeUS)
	}
	return ToolCall{ID: p.ToolCallID, Name: p.Name, Status: ToolRunning, StartedAt: startedAt}
}

// pushTool appends name to the display stack, dropping the oldest entries
// past the bound.
func pushTool(stack []string, name string) []string {
	out := append(stack[:len(stack):len(stack)], name)
	if len(out) > maxPendingTools {
		out = out[len(out)-maxPendingTools:]
	}
	return out
}

// popTool removes the most recent occurrence of name from the stack.
func popTool(stack []string, name string) []string {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == name {
			out := make([]string, 0, len(stack)-1)
			out = append(out, stack[:i]...)
			out = append(out, stack[i+1:]...)
			return out
		}
	}
	return stack
}
