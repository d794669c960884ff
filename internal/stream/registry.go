package stream

import (
	"sync/atomic"
	"time"
)

// Registry counts live push connections. The connection whose registration
// brings the count from zero to one is the one that starts the lease
// scheduler. One Registry is created by the server and shared by the Hub.
type Registry struct {
	live atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a connection and reports whether it is the only one.
func (r *Registry) Register() bool {
	return r.live.Add(1) == 1
}

// Unregister removes a connection. The count never drops below zero.
func (r *Registry) Unregister() {
	for {
		cur := r.live.Load()
		if cur <= 0 {
			return
		}
		if r.live.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int64 {
	return r.live.Load()
}

// Handle identifies one push connection for logging.
type Handle struct {
	ID           string
	RegisteredAt time.Time
}
