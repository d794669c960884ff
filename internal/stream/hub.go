// Package stream runs the server side of the push channel: one session per
// connection that streams full occupancy snapshots and system messages, and
// re-subscribes to the change feed with backoff when it fails.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"focus-room-backend/internal/feed"
	"focus-room-backend/internal/model"
	"focus-room-backend/internal/wire"
)

// ErrConnectionLost is returned by Serve when the feed could not be restored.
var ErrConnectionLost = errors.New("change feed could not be restored")

// Source hands out change feed subscriptions.
type Source interface {
	Subscribe() (*feed.Subscription, error)
}

// Snapshotter reads the current occupancy.
type Snapshotter interface {
	ActiveSnapshot(ctx context.Context) ([]model.Occupancy, error)
}

// Sweeper is the lease scheduler as seen by the hub.
type Sweeper interface {
	EnsureStarted(ctx context.Context) bool
}

// Sink is the transport of one connection.
type Sink interface {
	Snapshot(wire.Snapshot) error
	Message(wire.SystemMessage) error
	Ping() error
}

// Options tunes the hub.
type Options struct {
	RoomID        string
	Heartbeat     time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
	RetryJitter   float64
	RetryAttempts int
	Clock         clockwork.Clock
}

func (o *Options) setDefaults() {
	if o.RoomID == "" {
		o.RoomID = "focus-room"
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 15 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 30 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 10
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Hub holds what every session shares.
type Hub struct {
	baseCtx   context.Context
	store     Snapshotter
	source    Source
	registry  *Registry
	scheduler Sweeper
	opts      Options
}

// NewHub creates a hub. baseCtx bounds background work started on behalf of
// sessions (the lease scheduler), so it must outlive any single connection.
func NewHub(baseCtx context.Context, store Snapshotter, source Source, registry *Registry, scheduler Sweeper, opts Options) *Hub {
	opts.setDefaults()
	return &Hub{
		baseCtx:   baseCtx,
		store:     store,
		source:    source,
		registry:  registry,
		scheduler: scheduler,
		opts:      opts,
	}
}

// Registry returns the connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Serve streams to sink until ctx is cancelled, the transport fails, or the
// feed is lost for good. Cleanup runs exactly once on every exit path.
func (h *Hub) Serve(ctx context.Context, sink Sink) error {
	s := newSession(h, sink)
	defer s.cleanup()
	return s.run(ctx)
}
