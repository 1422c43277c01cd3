// internal/bridge/registry.go
package bridge

import (
	"fmt"
	"sync"

	"github.com/user/flowsync/internal/types"
)

// Adapter delivers a rendered message to the channel destination named
// by a binding key.
type Adapter func(key types.BindingKey, message string) error

// Registry routes outbound messages to channel adapters by the binding
// key's channel prefix (e.g. "lark", "telegram").
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter for binding keys on the given channel.
func (r *Registry) Register(channel string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[channel] = adapter
}

// Deliver routes the message to the adapter matching the key's channel.
func (r *Registry) Deliver(key types.BindingKey, message string) error {
	r.mu.RLock()
	adapter, ok := r.adapters[key.Channel()]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no adapter for binding key: %s", key)
	}
	return adapter(key, message)
}
