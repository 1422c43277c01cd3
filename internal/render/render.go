// Package render turns conversation state into plain text for channel
// delivery and the CLI. Replies are budgeted in tokens so a runaway
// assistant turn cannot blow out a chat message.
package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/user/flowsync/internal/conversation"
	"github.com/user/flowsync/internal/tokens"
	"github.com/user/flowsync/pkg/wire"
)

// Renderer formats conversation state within a token budget.
type Renderer struct {
	counter   tokens.Counter
	maxTokens int
}

// New creates a Renderer. maxReplyTokens bounds rendered replies; zero
// or negative disables the budget. A nil counter falls back to the
// approximate one.
func New(counter tokens.Counter, maxReplyTokens int) *Renderer {
	if counter == nil {
		counter = tokens.ApproxCounter{}
	}
	return &Renderer{counter: counter, maxTokens: maxReplyTokens}
}

// Reply renders the deliverable assistant turn: message text (or the
// last error when the turn produced none), the highest-precedence
// pending ask, and follow-up suggestions. Returns "" when there is
// nothing worth delivering.
func (r *Renderer) Reply(s conversation.State) string {
	var b strings.Builder

	text := strings.TrimSpace(s.Message)
	if text == "" && s.LastError != "" {
		text = "Something went wrong: " + s.LastError
	}
	if text != "" {
		b.WriteString(r.fit(text))
	}

	if ask, ok := s.PendingSummary(); ok {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(Ask(ask))
	}

	if len(s.FollowUps) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Suggestions:")
		for _, fu := range s.FollowUps {
			b.WriteString("\n- " + fu)
		}
	}

	return b.String()
}

// Ask renders a pending ask as a prompt with numbered options.
func Ask(p wire.AskPayload) string {
	var b strings.Builder
	prompt := p.Prompt
	if prompt == "" {
		prompt = p.Summary
	}
	b.WriteString(prompt)
	for i, opt := range p.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}
	return b.String()
}

// Status renders a one-glance status block for a conversation.
func (r *Renderer) Status(s conversation.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\n", s.Phase)
	fmt.Fprintf(&b, "Streaming: %v\n", s.IsStreaming)

	if names := runningToolNames(s); len(names) > 0 {
		fmt.Fprintf(&b, "Running tools: %s\n", strings.Join(names, ", "))
	}
	if s.Usage.TotalTokens > 0 {
		fmt.Fprintf(&b, "Usage: %d tokens ($%.4f)", s.Usage.TotalTokens, s.Usage.CostUSD)
		if s.Usage.Model != "" {
			fmt.Fprintf(&b, " on %s", s.Usage.Model)
		}
		b.WriteString("\n")
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", s.LastError)
	}
	fmt.Fprintf(&b, "Completed turns: %d", s.CompletedTurns)
	return b.String()
}

// Tasks renders the server-synced task list for a conversation.
func Tasks(s conversation.State) string {
	if len(s.Tasks) == 0 {
		return "No tasks."
	}
	ids := make([]string, 0, len(s.Tasks))
	for id := range s.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for i, id := range ids {
		task := s.Tasks[id]
		title := task.Title
		if title == "" {
			title = task.TaskID
		}
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s] %s", task.Status, title)
	}
	return b.String()
}

func runningToolNames(s conversation.State) []string {
	ids := s.RunningTools()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if tc, ok := s.ToolCalls[id]; ok && tc.Name != "" {
			names = append(names, tc.Name)
		} else {
			names = append(names, id)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Renderer) fit(text string) string {
	if r.maxTokens <= 0 || r.counter.Count(text) <= r.maxTokens {
		return text
	}
	return r.counter.Truncate(text, r.maxTokens) + "\n\n[reply truncated]"
}
