// internal/tokens/tokens_test.go
package tokens

import (
	"strings"
	"testing"
)

func TestApproxCounter(t *testing.T) {
	c := ApproxCounter{}

	if got := c.Count(""); got != 0 {
		t.Errorf("expected 0 tokens for empty text, got %d", got)
	}
	if got := c.Count("abcd"); got != 1 {
		t.Errorf("expected 1 token for 4 chars, got %d", got)
	}
	if got := c.Count("abcde"); got != 2 {
		t.Errorf("expected 2 tokens for 5 chars, got %d", got)
	}
}

func TestApproxCounterTruncate(t *testing.T) {
	c := ApproxCounter{}
	text := strings.Repeat("x", 100)

	if got := c.Truncate(text, 5); len(got) != 20 {
		t.Errorf("expected 20 chars, got %d", len(got))
	}
	if got := c.Truncate("short", 100); got != "short" {
		t.Errorf("expected text unchanged, got %q", got)
	}
	if got := c.Truncate(text, 0); got != "" {
		t.Errorf("expected empty result for zero budget, got %q", got)
	}
}

func TestTiktokenCounter(t *testing.T) {
	c, err := NewCounter("gpt-4o")
	if err != nil {
		t.Skipf("tokenizer dictionary unavailable: %v", err)
	}

	if got := c.Count(""); got != 0 {
		t.Errorf("expected 0 tokens for empty text, got %d", got)
	}
	if got := c.Count("hello world"); got == 0 {
		t.Error("expected non-zero token count")
	}

	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 50)
	total := c.Count(text)
	if total < 100 {
		t.Fatalf("expected a long text to exceed 100 tokens, got %d", total)
	}

	cut := c.Truncate(text, 50)
	if got := c.Count(cut); got > 50 {
		t.Errorf("truncated text counts %d tokens, want <= 50", got)
	}
	if !strings.HasPrefix(text, cut) {
		t.Error("expected truncation to preserve the prefix")
	}
	if got := c.Truncate("short", 1000); got != "short" {
		t.Errorf("expected text under budget unchanged, got %q", got)
	}
}

func TestForModelFallback(t *testing.T) {
	// Always returns a usable counter, whichever backend it picked.
	c := ForModel("definitely-not-a-model")
	if c == nil {
		t.Fatal("expected a counter")
	}
	if got := c.Count("abcdefgh"); got == 0 {
		t.Error("expected non-zero count")
	}
}
