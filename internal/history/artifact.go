// internal/history/artifact.go
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/flowsync/internal/types"
)

// artifactFile is the on-disk format for artifacts. Each artifact is
// stored as {"meta": ..., "data": ...}.
type artifactFile struct {
	Meta *types.ArtifactMeta `json:"meta"`
	Data string              `json:"data"`
}

// ArtifactStore stores overflow payloads as individual JSON files at
// conversations/<conversationID>/artifacts/<artifactID>.json.
type ArtifactStore struct {
	root string
}

// NewArtifactStore creates a file-backed ArtifactStore rooted at the
// given directory.
func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

func (a *ArtifactStore) artifactsDir(id types.ConversationID) string {
	return filepath.Join(a.root, "conversations", string(id), "artifacts")
}

func (a *ArtifactStore) artifactPath(id types.ConversationID, artifact types.ArtifactID) string {
	return filepath.Join(a.artifactsDir(id), string(artifact)+".json")
}

// findArtifact locates an artifact file by ID across all conversations.
func (a *ArtifactStore) findArtifact(artifact types.ArtifactID) (string, error) {
	pattern := filepath.Join(a.root, "conversations", "*", "artifacts", string(artifact)+".json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob artifact: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("artifact not found: %s", artifact)
	}
	return matches[0], nil
}

func (a *ArtifactStore) readFile(path string) (*artifactFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact file: %w", err)
	}
	var file artifactFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return &file, nil
}

// Put stores the given text as an artifact and returns its ID. Origin
// names the producer, e.g. a tool name or "render".
func (a *ArtifactStore) Put(_ context.Context, id types.ConversationID, origin string, data string) (types.ArtifactID, error) {
	artifact := types.NewArtifactID()

	file := &artifactFile{
		Meta: &types.ArtifactMeta{
			ID:             artifact,
			ConversationID: id,
			Origin:         origin,
			CreatedAt:      time.Now(),
			MimeType:       "text/plain; charset=utf-8",
		},
		Data: data,
	}

	content, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	if err := writeFileAtomic(a.artifactPath(id, artifact), content); err != nil {
		return "", err
	}
	return artifact, nil
}

// Get returns the full text of the given artifact.
func (a *ArtifactStore) Get(_ context.Context, artifact types.ArtifactID) (string, error) {
	path, err := a.findArtifact(artifact)
	if err != nil {
		return "", err
	}
	file, err := a.readFile(path)
	if err != nil {
		return "", err
	}
	return file.Data, nil
}

// GetMeta returns the metadata for the given artifact.
func (a *ArtifactStore) GetMeta(_ context.Context, artifact types.ArtifactID) (*types.ArtifactMeta, error) {
	path, err := a.findArtifact(artifact)
	if err != nil {
		return nil, err
	}
	file, err := a.readFile(path)
	if err != nil {
		return nil, err
	}
	return file.Meta, nil
}

// Excerpt returns up to maxChars of the artifact text. When query is
// non-empty and found, the window is centered on the first
// case-insensitive match; otherwise it starts at the beginning. A
// non-positive maxChars returns the whole text.
func (a *ArtifactStore) Excerpt(ctx context.Context, artifact types.ArtifactID, query string, maxChars int) (string, error) {
	raw, err := a.Get(ctx, artifact)
	if err != nil {
		return "", err
	}
	if maxChars <= 0 || len(raw) <= maxChars {
		return raw, nil
	}

	if query != "" {
		idx := strings.Index(strings.ToLower(raw), strings.ToLower(query))
		if idx >= 0 {
			start := idx - maxChars/2
			if start < 0 {
				start = 0
			}
			end := start + maxChars
			if end > len(raw) {
				end = len(raw)
			}
			return raw[start:end], nil
		}
	}
	return raw[:maxChars], nil
}
