// internal/history/transcript.go
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/flowsync/internal/types"
)

// maxTranscriptLine bounds a single JSONL line. Observe payloads can far
// exceed bufio.Scanner's default 64KB token limit.
const maxTranscriptLine = 4 * 1024 * 1024

// TranscriptStore is a JSONL-backed append-only transcript log. Entries
// are stored per conversation in conversations/<id>/transcript.jsonl.
type TranscriptStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ConversationID]*sync.Mutex
}

// NewTranscriptStore creates a file-backed TranscriptStore rooted at the
// given directory.
func NewTranscriptStore(root string) *TranscriptStore {
	return &TranscriptStore{
		root:  root,
		locks: make(map[types.ConversationID]*sync.Mutex),
	}
}

// getLock returns the per-conversation mutex, creating one if needed.
func (s *TranscriptStore) getLock(id types.ConversationID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *TranscriptStore) transcriptPath(id types.ConversationID) string {
	return filepath.Join(s.root, "conversations", string(id), "transcript.jsonl")
}

// count reads the transcript and counts lines. Caller must hold the
// conversation lock.
func (s *TranscriptStore) count(id types.ConversationID) (int64, error) {
	f, err := os.Open(s.transcriptPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan transcript: %w", err)
	}
	return count, nil
}

// readAll loads every entry. Caller must hold the conversation lock.
func (s *TranscriptStore) readAll(id types.ConversationID) ([]*types.TranscriptEntry, error) {
	f, err := os.Open(s.transcriptPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var entries []*types.TranscriptEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)
	for scanner.Scan() {
		var entry types.TranscriptEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal transcript entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return entries, nil
}

// Append adds an entry to the conversation's transcript with an
// auto-incremented sequence number.
func (s *TranscriptStore) Append(_ context.Context, id types.ConversationID, entry *types.TranscriptEntry) error {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(s.transcriptPath(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}

	existing, err := s.count(id)
	if err != nil {
		return err
	}
	entry.Seq = existing + 1

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}

	f, err := os.OpenFile(s.transcriptPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write transcript entry: %w", err)
	}
	return nil
}

// Tail returns the last N entries for the given conversation.
func (s *TranscriptStore) Tail(_ context.Context, id types.ConversationID, limit int) ([]*types.TranscriptEntry, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.readAll(id)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// All returns every entry for the given conversation in append order.
func (s *TranscriptStore) All(_ context.Context, id types.ConversationID) ([]*types.TranscriptEntry, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.readAll(id)
}

// Count returns the number of entries for the given conversation.
func (s *TranscriptStore) Count(_ context.Context, id types.ConversationID) (int64, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.count(id)
}
