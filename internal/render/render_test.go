// internal/render/render_test.go
package render

import (
	"strings"
	"testing"

	"github.com/user/flowsync/internal/conversation"
	"github.com/user/flowsync/internal/tokens"
	"github.com/user/flowsync/pkg/wire"
)

func TestReplyMessageOnly(t *testing.T) {
	r := New(tokens.ApproxCounter{}, 0)
	s := conversation.NewState("c1")
	s.Message = "  The deploy finished.  "

	if got := r.Reply(s); got != "The deploy finished." {
		t.Errorf("reply = %q", got)
	}
}

func TestReplyEmptyState(t *testing.T) {
	r := New(tokens.ApproxCounter{}, 0)
	if got := r.Reply(conversation.NewState("c1")); got != "" {
		t.Errorf("expected empty reply, got %q", got)
	}
}

func TestReplyErrorFallback(t *testing.T) {
	r := New(tokens.ApproxCounter{}, 0)
	s := conversation.NewState("c1")
	s.LastError = "rate limited"

	got := r.Reply(s)
	if !strings.Contains(got, "rate limited") {
		t.Errorf("expected error text in reply, got %q", got)
	}
}

func TestReplyAskAndFollowUps(t *testing.T) {
	r := New(tokens.ApproxCounter{}, 0)
	s := conversation.NewState("c1")
	s.Message = "Done with step one."
	s.Permission = &wire.AskPayload{Prompt: "Allow file write?", Options: []string{"yes", "no"}}
	s.Clarification = &wire.AskPayload{Prompt: "Which environment?", Options: []string{"staging", "prod"}}
	s.FollowUps = []string{"Deploy it", "Run the tests"}

	got := r.Reply(s)
	if !strings.Contains(got, "Done with step one.") {
		t.Errorf("missing message in %q", got)
	}
	// Clarification outranks permission.
	if !strings.Contains(got, "Which environment?") {
		t.Errorf("missing clarification prompt in %q", got)
	}
	if strings.Contains(got, "Allow file write?") {
		t.Errorf("lower-precedence ask rendered in %q", got)
	}
	if !strings.Contains(got, "1. staging") || !strings.Contains(got, "2. prod") {
		t.Errorf("missing numbered options in %q", got)
	}
	if !strings.Contains(got, "- Deploy it") || !strings.Contains(got, "- Run the tests") {
		t.Errorf("missing follow-ups in %q", got)
	}
}

func TestReplyTruncation(t *testing.T) {
	// ApproxCounter: 5 tokens = 20 chars.
	r := New(tokens.ApproxCounter{}, 5)
	s := conversation.NewState("c1")
	s.Message = strings.Repeat("x", 100)

	got := r.Reply(s)
	if !strings.HasSuffix(got, "[reply truncated]") {
		t.Errorf("expected truncation marker, got %q", got)
	}
	if !strings.HasPrefix(got, strings.Repeat("x", 20)) {
		t.Errorf("expected 20-char prefix, got %q", got)
	}
	if strings.Contains(got, strings.Repeat("x", 21)) {
		t.Errorf("expected budget enforced, got %q", got)
	}
}

func TestAskSummaryFallback(t *testing.T) {
	got := Ask(wire.AskPayload{Summary: "Needs a decision"})
	if got != "Needs a decision" {
		t.Errorf("ask = %q", got)
	}
}

func TestStatus(t *testing.T) {
	r := New(tokens.ApproxCounter{}, 0)
	s := conversation.NewState("c1")
	s.Phase = conversation.PhaseActing
	s.IsStreaming = true
	s.ToolCalls["t1"] = conversation.ToolCall{ID: "t1", Name: "web_search", Status: conversation.ToolRunning}
	s.Usage = conversation.Usage{TotalTokens: 1200, CostUSD: 0.25, Model: "gpt-4o"}
	s.CompletedTurns = 3

	got := r.Status(s)
	for _, want := range []string{"acting", "web_search", "1200 tokens", "gpt-4o", "Completed turns: 3"} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}
}

func TestTasks(t *testing.T) {
	s := conversation.NewState("c1")
	if got := Tasks(s); got != "No tasks." {
		t.Errorf("expected empty task message, got %q", got)
	}

	s.Tasks["b"] = wire.TaskPayload{TaskID: "b", Title: "Write docs", Status: "pending"}
	s.Tasks["a"] = wire.TaskPayload{TaskID: "a", Title: "Fix bug", Status: "completed"}

	got := Tasks(s)
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), got)
	}
	if lines[0] != "[completed] Fix bug" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "[pending] Write docs" {
		t.Errorf("line 1 = %q", lines[1])
	}
}
