// Package dispatch fans incoming server envelopes out to registered
// handlers. Routing is decoupled from the connection: the receive loop
// calls Route and every reaction to an event lives behind a registration.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/user/flowsync/pkg/wire"
)

// Handler reacts to one routed envelope.
type Handler func(env wire.Envelope)

// registration pairs a handler with the identity that makes it
// individually revocable. Two registrations of the same function value are
// distinct.
type registration struct {
	id uint64
	fn Handler
}

// Router maps event types to handler registrations plus a wildcard group
// that sees every envelope. All methods are safe for concurrent use.
type Router struct {
	mu       sync.Mutex
	nextID   uint64
	typed    map[string][]registration
	wildcard []registration
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{typed: make(map[string][]registration)}
}

// On registers handler for envelopes of the given type. The returned
// function revokes exactly this registration; registering the same handler
// under several types (or several times) yields independent registrations.
func (r *Router) On(eventType string, handler Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.typed[eventType] = append(r.typed[eventType], registration{id: id, fn: handler})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.typed[eventType] = remove(r.typed[eventType], id)
		if len(r.typed[eventType]) == 0 {
			delete(r.typed, eventType)
		}
	}
}

// OnAny registers handler for every envelope regardless of type. Wildcard
// handlers run after the type-specific group.
func (r *Router) OnAny(handler Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.wildcard = append(r.wildcard, registration{id: id, fn: handler})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.wildcard = remove(r.wildcard, id)
	}
}

// Route invokes the type-specific handlers, then the wildcard handlers, in
// registration order within each group. Both groups are snapshotted before
// iteration, so a handler may unsubscribe itself or any other handler
// without corrupting the in-flight dispatch. A panicking handler is logged
// and the remaining handlers still run; nothing propagates to the caller.
// Envelopes with an unregistered type are absorbed silently.
func (r *Router) Route(env wire.Envelope) {
	r.mu.Lock()
	typed := append([]registration(nil), r.typed[env.Type]...)
	wild := append([]registration(nil), r.wildcard...)
	r.mu.Unlock()

	for _, reg := range typed {
		invoke(reg, env)
	}
	for _, reg := range wild {
		invoke(reg, env)
	}
}

// Clear drops every registration for the given type. Wildcard handlers are
// unaffected.
func (r *Router) Clear(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.typed, eventType)
}

// ClearAll drops every registration, typed and wildcard. Used on teardown.
func (r *Router) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typed = make(map[string][]registration)
	r.wildcard = nil
}

// HandlerCount returns the number of live registrations for a type,
// excluding wildcards. Mostly useful to tests and the control API.
func (r *Router) HandlerCount(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.typed[eventType])
}

func invoke(reg registration, env wire.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("event handler panicked", "type", env.Type, "conversation_id", env.ConversationID, "panic", rec)
		}
	}()
	reg.fn(env)
}

func remove(regs []registration, id uint64) []registration {
	for i, reg := range regs {
		if reg.id == id {
			return append(regs[:i:i], regs[i+1:]...)
		}
	}
	return regs
}
