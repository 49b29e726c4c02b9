package presence

import (
	"messenger-service/internal/models"
)

// Handle is the reachable side of one live connection. Push enqueues a frame
// for the connection's writer; it must not block.
type Handle interface {
	Push(frame models.OutboundFrame) error
}

// Registry tracks which users currently hold a live connection and how to
// reach them. At most one handle per user: a second connection for the same
// user replaces the first (last-connect-wins). All implementations must be
// safe for concurrent use from many sessions.
type Registry interface {
	Register(userID int, h Handle)
	// Unregister removes the user's entry only while h is still the
	// registered handle, so a stale session closing late cannot evict a
	// newer connection.
	Unregister(userID int, h Handle)
	IsOnline(userID int) bool
	HandleOf(userID int) (Handle, bool)
}
