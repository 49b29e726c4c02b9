package presence

import (
	"sync"

	"messenger-service/internal/observability"
)

// MemoryRegistry is the in-process Registry used by the delivery engine for
// routing. Created at startup and injected everywhere a presence check is
// needed; nothing mutates the map except Register/Unregister.
type MemoryRegistry struct {
	mu      sync.RWMutex
	handles map[int]Handle
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{handles: make(map[int]Handle)}
}

// Register records the user online, overwriting any prior handle.
func (r *MemoryRegistry) Register(userID int, h Handle) {
	r.mu.Lock()
	r.handles[userID] = h
	online := len(r.handles)
	r.mu.Unlock()
	observability.SetOnlineUsers(online)
}

// Unregister removes the entry if h still owns it. No-op otherwise.
func (r *MemoryRegistry) Unregister(userID int, h Handle) {
	r.mu.Lock()
	if current, ok := r.handles[userID]; ok && current == h {
		delete(r.handles, userID)
	}
	online := len(r.handles)
	r.mu.Unlock()
	observability.SetOnlineUsers(online)
}

// IsOnline reports whether the user has a registered handle.
func (r *MemoryRegistry) IsOnline(userID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[userID]
	return ok
}

// HandleOf returns the user's reachable handle, if any.
func (r *MemoryRegistry) HandleOf(userID int) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[userID]
	return h, ok
}

var _ Registry = (*MemoryRegistry)(nil)
