package conversation

import (
	"encoding/json"
	"sync"

	"github.com/user/flowsync/internal/types"
	"github.com/user/flowsync/pkg/wire"
)

// Watcher observes state replacements. It is invoked outside the store's
// lock, so a watcher may call back into the store.
type Watcher func(id types.ConversationID, state State)

// Store keys conversation states by id. Each entry is replaced atomically
// by the reducer's output; conversations never share state, so applying an
// event to one leaves every other entry untouched.
type Store struct {
	mu     sync.RWMutex
	states map[types.ConversationID]State
	active types.ConversationID

	nextWatch uint64
	watchers  map[uint64]Watcher
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		states:   make(map[types.ConversationID]State),
		watchers: make(map[uint64]Watcher),
	}
}

// GetOrCreate returns the state for id, lazily creating the default state
// on first reference.
func (s *Store) GetOrCreate(id types.ConversationID) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		st = NewState(id)
		s.states[id] = st
	}
	return st
}

// Get returns the state for id without creating it.
func (s *Store) Get(id types.ConversationID) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	return st, ok
}

// List returns a snapshot of every tracked state, in no particular order.
func (s *Store) List() []State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	return out
}

// ApplyEvent folds env into the state named by its conversation id and
// atomically replaces that entry. Envelopes without a conversation id are
// ignored and yield a zero State. Watchers observe the replacement.
func (s *Store) ApplyEvent(env wire.Envelope) State {
	id := types.ConversationID(env.ConversationID)
	if id == "" {
		return State{}
	}

	s.mu.Lock()
	prev, ok := s.states[id]
	if !ok {
		prev = NewState(id)
	}
	next := Apply(prev, env)
	s.states[id] = next
	watchers := s.snapshotWatchers()
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(id, next)
	}
	return next
}

// BeginSend applies the optimistic local mutation for a submitted user
// message: the turn's accumulators reset, a local chat envelope lands on
// the timeline, and the conversation enters connecting until server events
// confirm the stream. Watchers observe the replacement.
func (s *Store) BeginSend(id types.ConversationID, message string) State {
	data, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	local := wire.Envelope{
		Type:           wire.FrameChat,
		ConversationID: string(id),
		Data:           data,
	}

	s.mu.Lock()
	prev, ok := s.states[id]
	if !ok {
		prev = NewState(id)
	}
	next := prev
	next.Timeline = append(prev.Timeline[:len(prev.Timeline):len(prev.Timeline)], local)
	next.Message = ""
	next.MessageStreaming = false
	next.Thought = ""
	next.ThoughtStreaming = false
	next.ToolCalls = make(map[string]ToolCall)
	next.PendingTools = nil
	next.FollowUps = nil
	next.LastError = ""
	next.Phase = PhaseConnecting
	next.ResumePhase = ""
	next.IsStreaming = true
	s.states[id] = next
	watchers := s.snapshotWatchers()
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(id, next)
	}
	return next
}

// SetActive tracks the foregrounded conversation. Empty means none.
// Background streaming is unaffected.
func (s *Store) SetActive(id types.ConversationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
}

// Active returns the foregrounded conversation id, or empty.
func (s *Store) Active() types.ConversationID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Delete removes a conversation's state. Used when the conversation is
// deleted server-side; states are never removed implicitly.
func (s *Store) Delete(id types.ConversationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	if s.active == id {
		s.active = ""
	}
}

// StreamingCount returns how many conversations currently report
// IsStreaming. Callers starting a new stream compare this against
// MaxConcurrentStreamingConversations.
func (s *Store) StreamingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.states {
		if st.IsStreaming {
			n++
		}
	}
	return n
}

// Watch registers fn for every state replacement. The returned function
// revokes the registration.
func (s *Store) Watch(fn Watcher) func() {
	s.mu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// snapshotWatchers must be called with the lock held.
func (s *Store) snapshotWatchers() []Watcher {
	if len(s.watchers) == 0 {
		return nil
	}
	out := make([]Watcher, 0, len(s.watchers))
	for _, fn := range s.watchers {
		out = append(out, fn)
	}
	return out
}
