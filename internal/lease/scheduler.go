// Package lease runs the periodic sweep that releases seats whose lease has
// run out.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"focus-room-backend/internal/metrics"
	"focus-room-backend/internal/model"
	"focus-room-backend/internal/store"
)

// Store is the part of store.Store the sweep needs.
type Store interface {
	SweepExpired(ctx context.Context, now time.Time) (store.SweepReport, error)
	CreateNotification(ctx context.Context, message string, severity model.Severity) (model.Notification, error)
}

// Announcer publishes notifications that are not persisted.
type Announcer interface {
	Announce(n model.Notification)
}

// Scheduler sweeps expired leases on a fixed interval. It is started at most
// once per process and runs until the context given to EnsureStarted ends.
type Scheduler struct {
	store     Store
	announcer Announcer
	interval  time.Duration
	clock     clockwork.Clock

	once sync.Once
	done chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// NewScheduler creates a scheduler. announcer may be nil.
func NewScheduler(st Store, announcer Announcer, interval time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Scheduler{
		store:     st,
		announcer: announcer,
		interval:  interval,
		clock:     clockwork.NewRealClock(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureStarted starts the sweep loop unless it already runs, and reports
// whether this call started it.
func (s *Scheduler) EnsureStarted(ctx context.Context) bool {
	started := false
	s.once.Do(func() {
		started = true
		go s.run(ctx)
	})
	return started
}

// Done is closed when the sweep loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	zap.S().Infof("Starting lease sweep every %s", s.interval)

	// Catch up on leases that ran out while nobody was watching.
	s.SweepOnce(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.S().Info("Lease sweep shutting down.")
			return
		case <-ticker.Chan():
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce releases every seat whose lease ended and announces how many
// were released. A store failure is logged and announced; the next tick
// retries.
func (s *Scheduler) SweepOnce(ctx context.Context) (store.SweepReport, error) {
	report, err := s.store.SweepExpired(ctx, s.clock.Now())
	if err != nil {
		metrics.Sweeps.WithLabelValues("error").Inc()
		zap.S().Errorf("Lease sweep failed: %v", err)
		s.announce(model.SeverityWarning, "Automatic exit check failed; it will be retried shortly")
		return report, err
	}

	for _, f := range report.Failed {
		zap.S().Warnf("Lease sweep could not release seat %d (%s): %v", f.Record.Position, f.Record.OccupantName, f.Err)
	}

	n := len(report.Expired)
	metrics.Sweeps.WithLabelValues("ok").Inc()
	metrics.SeatsExpired.Add(float64(n))
	if n == 0 {
		return report, nil
	}

	zap.S().Infof("Lease sweep released %d seat(s)", n)
	msg := fmt.Sprintf("%d occupant(s) auto-exited", n)
	if _, err := s.store.CreateNotification(ctx, msg, model.SeverityInfo); err != nil {
		zap.S().Warnf("Could not store sweep notification: %v", err)
		s.announce(model.SeverityInfo, msg)
	}
	return report, nil
}

func (s *Scheduler) announce(severity model.Severity, message string) {
	if s.announcer == nil {
		return
	}
	s.announcer.Announce(model.Notification{
		ID:        uuid.NewString(),
		Message:   message,
		Severity:  severity,
		CreatedAt: s.clock.Now().UTC(),
	})
}
