// internal/history/index.go
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/flowsync/internal/types"
)

// IndexStore is a JSON-file-backed conversation index. The index lives
// in conversations/conversations.json; per-conversation data lives under
// conversations/<conversationID>/. It is kept as a slice rather than a
// map because archived conversations lose their binding key and would
// otherwise collide.
type IndexStore struct {
	root string
	mu   sync.RWMutex
}

// NewIndexStore creates a file-backed IndexStore rooted at the given
// directory.
func NewIndexStore(root string) *IndexStore {
	return &IndexStore{root: root}
}

func (s *IndexStore) indexPath() string {
	return filepath.Join(s.root, "conversations", "conversations.json")
}

func (s *IndexStore) conversationDir(id types.ConversationID) string {
	return filepath.Join(s.root, "conversations", string(id))
}

func (s *IndexStore) loadIndex() ([]*types.ConversationIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read conversation index: %w", err)
	}

	var convs []*types.ConversationIndex
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, fmt.Errorf("unmarshal conversation index: %w", err)
	}
	return convs, nil
}

func (s *IndexStore) saveIndex(convs []*types.ConversationIndex) error {
	data, err := json.MarshalIndent(convs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation index: %w", err)
	}
	return writeFileAtomic(s.indexPath(), data)
}

func findByKey(convs []*types.ConversationIndex, key types.BindingKey) *types.ConversationIndex {
	for _, conv := range convs {
		if conv.BindingKey == key {
			return conv
		}
	}
	return nil
}

func (s *IndexStore) newConversation(key types.BindingKey) *types.ConversationIndex {
	now := time.Now()
	return &types.ConversationIndex{
		ConversationID: types.NewConversationID(),
		BindingKey:     key,
		Status:         "active",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ResolveOrCreate returns the conversation bound to the given key,
// creating a fresh one if no binding exists.
func (s *IndexStore) ResolveOrCreate(_ context.Context, key types.BindingKey) (types.ConversationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.loadIndex()
	if err != nil {
		return "", err
	}

	if existing := findByKey(convs, key); existing != nil {
		return existing.ConversationID, nil
	}

	conv := s.newConversation(key)
	convs = append(convs, conv)
	if err := s.saveIndex(convs); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.conversationDir(conv.ConversationID), 0o755); err != nil {
		return "", fmt.Errorf("create conversation dir: %w", err)
	}
	return conv.ConversationID, nil
}

// Rebind archives the conversation currently bound to key and binds the
// key to a fresh conversation. The archived transcript stays on disk
// under its old conversation ID.
func (s *IndexStore) Rebind(_ context.Context, key types.BindingKey) (types.ConversationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.loadIndex()
	if err != nil {
		return "", err
	}

	if old := findByKey(convs, key); old != nil {
		old.BindingKey = ""
		old.Status = "archived"
		old.UpdatedAt = time.Now()
	}

	conv := s.newConversation(key)
	convs = append(convs, conv)
	if err := s.saveIndex(convs); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.conversationDir(conv.ConversationID), 0o755); err != nil {
		return "", fmt.Errorf("create conversation dir: %w", err)
	}
	return conv.ConversationID, nil
}

// Get returns the conversation with the given ID.
func (s *IndexStore) Get(_ context.Context, id types.ConversationID) (*types.ConversationIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	for _, conv := range convs {
		if conv.ConversationID == id {
			return conv, nil
		}
	}
	return nil, fmt.Errorf("conversation not found: %s", id)
}

// Lookup returns the conversation currently bound to the given key.
func (s *IndexStore) Lookup(_ context.Context, key types.BindingKey) (*types.ConversationIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	if conv := findByKey(convs, key); conv != nil {
		return conv, nil
	}
	return nil, fmt.Errorf("no conversation bound to key: %s", key)
}

// List returns all known conversations, active and archived.
func (s *IndexStore) List(_ context.Context) ([]*types.ConversationIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []*types.ConversationIndex{}
	}
	return convs, nil
}

// Update persists changes to the given conversation, setting UpdatedAt
// to now.
func (s *IndexStore) Update(_ context.Context, conv *types.ConversationIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.loadIndex()
	if err != nil {
		return err
	}
	for i, existing := range convs {
		if existing.ConversationID == conv.ConversationID {
			conv.UpdatedAt = time.Now()
			convs[i] = conv
			return s.saveIndex(convs)
		}
	}
	return fmt.Errorf("conversation not found: %s", conv.ConversationID)
}

// Delete removes the conversation from the index and its data directory
// from disk.
func (s *IndexStore) Delete(_ context.Context, id types.ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs, err := s.loadIndex()
	if err != nil {
		return err
	}
	kept := convs[:0]
	found := false
	for _, conv := range convs {
		if conv.ConversationID == id {
			found = true
			continue
		}
		kept = append(kept, conv)
	}
	if !found {
		return fmt.Errorf("conversation not found: %s", id)
	}
	if err := s.saveIndex(kept); err != nil {
		return err
	}
	if err := os.RemoveAll(s.conversationDir(id)); err != nil {
		return fmt.Errorf("remove conversation dir: %w", err)
	}
	return nil
}
