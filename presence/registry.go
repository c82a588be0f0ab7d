// Package presence tracks which identity currently owns a live transport
// channel. The registry is process-wide, in-memory, and rebuilt from scratch
// on restart; reconnecting clients re-register.
package presence

import (
	"net"
	"sync"
)

// Channel is a live bidirectional session bound to an identity. Bindings
// compare by channel identity, so a stale channel can never unbind a
// fresher one.
type Channel interface {
	RemoteAddr() net.Addr
}

// Registry maps identities to their single active channel. One active
// session per identity: a newer registration always displaces an older one,
// with no attempt to notify or preserve the displaced channel.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register binds identity to channel, replacing any prior binding.
// It returns the displaced channel, if any.
func (r *Registry) Register(identity string, channel Channel) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	displaced, had := r.channels[identity]
	r.channels[identity] = channel
	if had && displaced == channel {
		return nil, false
	}
	return displaced, had
}

// Unregister removes the binding only if it still points at the given
// channel. A close racing a reconnect must not remove the new binding.
func (r *Registry) Unregister(identity string, channel Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.channels[identity]
	if !ok || current != channel {
		return false
	}
	delete(r.channels, identity)
	return true
}

// Get returns the channel currently bound to identity.
func (r *Registry) Get(identity string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channel, ok := r.channels[identity]
	return channel, ok
}

// IsOnline reports whether identity has a live channel.
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[identity]
	return ok
}

// Count returns the number of online identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
