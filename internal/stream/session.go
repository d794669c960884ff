package stream

import (
	"context"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"focus-room-backend/internal/backoff"
	"focus-room-backend/internal/feed"
	"focus-room-backend/internal/metrics"
	"focus-room-backend/internal/model"
	"focus-room-backend/internal/wire"
)

// Session states.
const (
	StateInitializing = "initializing"
	StateStreaming    = "streaming"
	StateRecovering   = "recovering"
	StateClosed       = "closed"
)

// Session transitions.
const (
	eventReady        = "ready"
	eventFeedError    = "feed_error"
	eventResubscribed = "resubscribed"
	eventClose        = "close"
)

var sessionTransitions = fsm.Events{
	{Name: eventReady, Src: []string{StateInitializing}, Dst: StateStreaming},
	{Name: eventFeedError, Src: []string{StateInitializing, StateStreaming}, Dst: StateRecovering},
	{Name: eventResubscribed, Src: []string{StateRecovering}, Dst: StateStreaming},
	{Name: eventClose, Src: []string{StateInitializing, StateStreaming, StateRecovering}, Dst: StateClosed},
}

// input is a typed event driving a session.
type input int

const (
	inputFeedChanged input = iota
	inputFeedNotification
	inputFeedError
	inputRetryTick
	inputHeartbeatTick
	inputClientCancel
)

// session is the per-connection state machine. All fields are owned by the
// goroutine running Serve.
type session struct {
	hub     *Hub
	sink    Sink
	handle  Handle
	machine *fsm.FSM
	backoff cbackoff.BackOff

	sub        *feed.Subscription
	heartbeat  clockwork.Ticker
	retry      clockwork.Timer
	registered bool
	once       sync.Once
}

func newSession(h *Hub, sink Sink) *session {
	s := &session{
		hub:  h,
		sink: sink,
		handle: Handle{
			ID:           uuid.NewString(),
			RegisteredAt: h.opts.Clock.Now(),
		},
		backoff: cbackoff.WithMaxRetries(
			backoff.NewExponential(h.opts.RetryBase, h.opts.RetryMax, h.opts.RetryJitter, backoff.Symmetric),
			uint64(h.opts.RetryAttempts),
		),
	}
	s.machine = fsm.NewFSM(
		StateInitializing,
		sessionTransitions,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				zap.S().Debugf("stream %s: %s -> %s", s.handle.ID, e.Src, e.Dst)
			},
		},
	)
	return s
}

func (s *session) run(ctx context.Context) error {
	first := s.hub.registry.Register()
	s.registered = true
	metrics.ActiveConnections.Inc()
	zap.S().Infof("stream %s opened (%d live)", s.handle.ID, s.hub.registry.Count())

	if first && s.hub.scheduler != nil && s.hub.scheduler.EnsureStarted(s.hub.baseCtx) {
		zap.S().Infof("stream %s started the lease scheduler", s.handle.ID)
	}

	sub, err := s.hub.source.Subscribe()
	if err != nil {
		if err := s.onFeedError(err); err != nil {
			return err
		}
	} else {
		s.sub = sub
	}

	if err := s.pushSnapshot(ctx); err != nil {
		return err
	}
	if s.sub != nil {
		s.transition(eventReady)
	}

	s.heartbeat = s.hub.opts.Clock.NewTicker(s.hub.opts.Heartbeat)

	for {
		var events <-chan feed.Event
		if s.sub != nil {
			events = s.sub.Events()
		}
		var retryC <-chan time.Time
		if s.retry != nil {
			retryC = s.retry.Chan()
		}

		var in input
		var ev feed.Event
		select {
		case <-ctx.Done():
			in = inputClientCancel
		case e, ok := <-events:
			switch {
			case !ok:
				in = inputFeedError
			case e.Kind == feed.NotificationCreated:
				in, ev = inputFeedNotification, e
			default:
				in = inputFeedChanged
			}
		case <-retryC:
			in = inputRetryTick
		case <-s.heartbeat.Chan():
			in = inputHeartbeatTick
		}

		if done, err := s.step(ctx, in, ev); done {
			return err
		}
	}
}

// step applies one input. It reports whether the session is finished.
func (s *session) step(ctx context.Context, in input, ev feed.Event) (bool, error) {
	switch in {
	case inputClientCancel:
		s.transition(eventClose)
		return true, nil
	case inputFeedChanged:
		return finished(s.pushSnapshot(ctx))
	case inputFeedNotification:
		return finished(s.pushMessage(wire.MessageFrom(*ev.Notification)))
	case inputFeedError:
		cause := s.sub.Err()
		s.sub.Close()
		s.sub = nil
		return finished(s.onFeedError(cause))
	case inputRetryTick:
		s.retry = nil
		return finished(s.resubscribe(ctx))
	case inputHeartbeatTick:
		return finished(s.sink.Ping())
	}
	return false, nil
}

func finished(err error) (bool, error) {
	return err != nil, err
}

func (s *session) onFeedError(cause error) error {
	zap.S().Warnf("stream %s: change feed failed: %v", s.handle.ID, cause)
	s.transition(eventFeedError)
	if err := s.pushMessage(s.systemMessage(model.SeverityWarning, "Live updates interrupted, reconnecting…", "")); err != nil {
		return err
	}
	return s.scheduleRetry()
}

func (s *session) scheduleRetry() error {
	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		return s.giveUp()
	}
	s.retry = s.hub.opts.Clock.NewTimer(delay)
	return nil
}

func (s *session) resubscribe(ctx context.Context) error {
	sub, err := s.hub.source.Subscribe()
	if err != nil {
		metrics.FeedResubscribes.WithLabelValues("failure").Inc()
		zap.S().Warnf("stream %s: re-subscription failed: %v", s.handle.ID, err)
		return s.scheduleRetry()
	}
	metrics.FeedResubscribes.WithLabelValues("success").Inc()

	s.sub = sub
	s.backoff.Reset()
	s.transition(eventResubscribed)
	// Changes made while the feed was down were never delivered.
	return s.pushSnapshot(ctx)
}

func (s *session) giveUp() error {
	zap.S().Errorf("stream %s: change feed lost after %d attempts", s.handle.ID, s.hub.opts.RetryAttempts)
	msg := s.systemMessage(model.SeverityError, "Live updates were lost. Please reload the page.", wire.CodeConnectionLost)
	if err := s.pushMessage(msg); err != nil {
		zap.S().Debugf("stream %s: could not deliver final message: %v", s.handle.ID, err)
	}
	s.transition(eventClose)
	return ErrConnectionLost
}

// pushSnapshot re-reads the full state. A store failure is reported to the
// viewer but does not end the stream; the next change re-fetches.
func (s *session) pushSnapshot(ctx context.Context) error {
	records, err := s.hub.store.ActiveSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		zap.S().Warnf("stream %s: snapshot failed: %v", s.handle.ID, err)
		return s.pushMessage(s.systemMessage(model.SeverityWarning, "Seat list is temporarily unavailable", ""))
	}
	if err := s.sink.Snapshot(wire.NewSnapshot(s.hub.opts.RoomID, records)); err != nil {
		return err
	}
	metrics.StreamPushes.WithLabelValues("snapshot").Inc()
	return nil
}

func (s *session) pushMessage(msg wire.SystemMessage) error {
	if err := s.sink.Message(msg); err != nil {
		return err
	}
	metrics.StreamPushes.WithLabelValues("message").Inc()
	return nil
}

func (s *session) systemMessage(severity model.Severity, text, code string) wire.SystemMessage {
	return wire.SystemMessage{
		Message:   text,
		Type:      string(severity),
		Timestamp: s.hub.opts.Clock.Now().UTC(),
		ID:        uuid.NewString(),
		Code:      code,
	}
}

func (s *session) transition(event string) {
	if !s.machine.Can(event) {
		return
	}
	if err := s.machine.Event(context.Background(), event); err != nil {
		zap.S().Debugf("stream %s: transition %s: %v", s.handle.ID, event, err)
	}
}

// cleanup stops everything the session owns before unregistering, so the
// registry count is never stale.
func (s *session) cleanup() {
	s.once.Do(func() {
		if s.heartbeat != nil {
			s.heartbeat.Stop()
		}
		if s.retry != nil {
			s.retry.Stop()
			s.retry = nil
		}
		if s.sub != nil {
			s.sub.Close()
			s.sub = nil
		}
		s.transition(eventClose)
		if s.registered {
			s.hub.registry.Unregister()
			metrics.ActiveConnections.Dec()
		}
		zap.S().Infof("stream %s closed after %s (%d live)",
			s.handle.ID, s.hub.opts.Clock.Since(s.handle.RegisteredAt).Round(time.Second), s.hub.registry.Count())
	})
}
