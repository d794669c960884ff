// Package feed turns low-level store mutations into a subscribable change
// feed. The Broker is installed as a gorm plugin so every committed write on
// the occupancy and notification tables is published to all subscribers.
//
// Delivery is at-least-once and bursts may be coalesced by consumers: an
// OccupancyChanged event only means "state may have changed, re-fetch".
package feed

import (
	"errors"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"focus-room-backend/internal/metrics"
	"focus-room-backend/internal/model"
)

const (
	occupancyTable    = "occupancies"
	notificationTable = "notifications"
)

var (
	// ErrFeedClosed terminates subscriptions when the broker shuts down.
	ErrFeedClosed = errors.New("change feed closed")
	// ErrSubscriberLagging terminates a subscription whose buffer is full.
	ErrSubscriberLagging = errors.New("change feed subscriber is lagging")
)

// Kind is the type of a feed event.
type Kind int

const (
	OccupancyChanged Kind = iota + 1
	NotificationCreated
)

func (k Kind) String() string {
	switch k {
	case OccupancyChanged:
		return "occupancy_changed"
	case NotificationCreated:
		return "notification_created"
	default:
		return "unknown"
	}
}

// Event is a single change feed message.
type Event struct {
	Kind         Kind
	Notification *model.Notification // set for NotificationCreated
	Ephemeral    bool                // notification was announced, not stored
}

// Broker fans store mutations out to subscriptions.
type Broker struct {
	mu         sync.Mutex
	subs       map[*Subscription]struct{}
	bufferSize int
	closed     bool
}

// NewBroker creates a broker whose subscriptions buffer bufferSize events.
func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Broker{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Name implements gorm.Plugin.
func (b *Broker) Name() string {
	return "focusroom:change_feed"
}

// Initialize implements gorm.Plugin by hooking the create, update and delete
// callback chains.
func (b *Broker) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Create().After("gorm:create").Register("feed:after_create", b.afterCreate); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("feed:after_update", b.afterWrite); err != nil {
		return err
	}
	return cb.Delete().After("gorm:delete").Register("feed:after_delete", b.afterWrite)
}

func (b *Broker) afterCreate(tx *gorm.DB) {
	if tx.Error != nil || tx.Statement == nil {
		return
	}
	switch tx.Statement.Table {
	case occupancyTable:
		b.Publish(Event{Kind: OccupancyChanged})
	case notificationTable:
		n, ok := tx.Statement.Dest.(*model.Notification)
		if !ok {
			zap.S().Warnf("feed: unexpected notification destination %T", tx.Statement.Dest)
			return
		}
		created := *n
		b.Publish(Event{Kind: NotificationCreated, Notification: &created})
	}
}

func (b *Broker) afterWrite(tx *gorm.DB) {
	if tx.Error != nil || tx.Statement == nil || tx.RowsAffected == 0 {
		return
	}
	if tx.Statement.Table == occupancyTable {
		b.Publish(Event{Kind: OccupancyChanged})
	}
}

// Subscribe registers a new subscription.
func (b *Broker) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrFeedClosed
	}
	sub := &Subscription{
		broker: b,
		events: make(chan Event, b.bufferSize),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers an event to every subscription without blocking. A
// subscription that cannot take the event is terminated with
// ErrSubscriberLagging so its owner re-subscribes and re-fetches.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			b.terminateLocked(sub, ErrSubscriberLagging)
		}
	}
}

// Announce publishes a notification that is not persisted, e.g. a warning
// raised while the store is unreachable.
func (b *Broker) Announce(n model.Notification) {
	b.Publish(Event{Kind: NotificationCreated, Notification: &n, Ephemeral: true})
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates all subscriptions with ErrFeedClosed and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for sub := range b.subs {
		b.terminateLocked(sub, ErrFeedClosed)
	}
}

func (b *Broker) terminate(sub *Subscription, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminateLocked(sub, err)
}

func (b *Broker) terminateLocked(sub *Subscription, err error) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.err = err
	close(sub.events)
	if err != nil {
		metrics.FeedTerminations.WithLabelValues(reason(err)).Inc()
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrFeedClosed):
		return "closed"
	case errors.Is(err, ErrSubscriberLagging):
		return "lagging"
	default:
		return "other"
	}
}
