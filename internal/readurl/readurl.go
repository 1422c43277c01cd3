// Package readurl fetches a web page and converts it to markdown so a
// snippet of it can be quoted into an outgoing chat message.
package readurl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const maxQuoteChars = 50000

// Fetcher fetches URLs and converts their HTML content to markdown.
type Fetcher struct {
	client *http.Client
}

// New creates a Fetcher with a 30s request timeout.
func New() *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Quote fetches the URL and returns its content as markdown, truncated
// to a size sane for quoting into a conversation.
func (f *Fetcher) Quote(ctx context.Context, rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Flowsync/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	md, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}

	if len(md) > maxQuoteChars {
		md = md[:maxQuoteChars] + "\n\n[Content truncated]"
	}
	return md, nil
}
