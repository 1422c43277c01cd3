// Package tokens counts and truncates text against model token budgets.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates how much of a token budget a piece of text consumes.
// Both the tiktoken-backed and the approximate implementations satisfy it.
type Counter interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
}

// TiktokenCounter counts tokens with the tokenizer matching a model.
type TiktokenCounter struct {
	tokenizer *tiktoken.Tiktoken
}

// NewCounter selects the tokenizer for the given model, falling back to
// cl100k_base for unknown models.
func NewCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &TiktokenCounter{tokenizer: enc}, nil
}

// Count returns the token count for text.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.tokenizer.Encode(text, nil, nil))
}

// Truncate returns text cut to at most maxTokens tokens. Cuts land on
// token boundaries so the result decodes cleanly.
func (c *TiktokenCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	ids := c.tokenizer.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return c.tokenizer.Decode(ids[:maxTokens])
}

// ApproxCounter estimates four characters per token. It stands in when
// the tokenizer dictionary cannot be loaded, e.g. offline.
type ApproxCounter struct{}

// Count returns len(text)/4, rounded up.
func (ApproxCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// Truncate cuts text to maxTokens*4 bytes.
func (ApproxCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	limit := maxTokens * 4
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}

// ForModel returns a tiktoken-backed counter for the model, or the
// approximate counter when the tokenizer cannot be constructed.
func ForModel(model string) Counter {
	c, err := NewCounter(model)
	if err != nil {
		return ApproxCounter{}
	}
	return c
}
