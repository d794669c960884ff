// Package client is a reconnecting consumer of the occupancy push channel.
// It keeps one stream open, reconnects with jittered exponential backoff when
// the stream drops, and gives up after a bounded number of consecutive
// failures or when the server reports that its feed is lost.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"focus-room-backend/internal/backoff"
	"focus-room-backend/internal/wire"
)

// Client states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateError        = "error"
)

const (
	eventConnect    = "connect"
	eventOpen       = "open"
	eventDrop       = "drop"
	eventFail       = "fail"
	eventDisconnect = "disconnect"
)

var (
	// ErrConnectionLost is reported when the server gave up on its feed.
	ErrConnectionLost = errors.New("server reported the connection lost")
	// ErrRetriesExhausted is reported after too many failed reconnects.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrBusy is returned by Connect while a connection is open or pending.
	ErrBusy = errors.New("client is already connected")
)

// Frame is one server-sent event.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// Stream is one open push connection.
type Stream interface {
	// Next blocks until the next frame arrives or the stream ends.
	Next() (Frame, error)
	Close() error
}

// Dialer opens push connections. The stream must end when ctx is cancelled.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// Handlers receive decoded payloads on the client's reader goroutine.
type Handlers struct {
	OnSnapshot func(wire.Snapshot)
	OnMessage  func(wire.SystemMessage)
}

// StateChange is emitted on every transition.
type StateChange struct {
	From, To string
	Err      error
}

// Options tunes reconnection.
type Options struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	DedupTTL   time.Duration
	Clock      clockwork.Clock
}

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 10 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Client is a reconnecting stream consumer. It is safe for concurrent use.
type Client struct {
	dialer   Dialer
	handlers Handlers
	opts     Options
	policy   *backoff.Exponential
	seen     *cache.Cache
	changes  chan StateChange

	mu         sync.Mutex
	machine    *fsm.FSM
	retryCount int
	lastErr    error
	stream     Stream
	timer      clockwork.Timer
	cancel     context.CancelFunc
}

// New creates a disconnected client.
func New(dialer Dialer, handlers Handlers, opts Options) *Client {
	opts.setDefaults()
	c := &Client{
		dialer:   dialer,
		handlers: handlers,
		opts:     opts,
		policy:   backoff.NewExponential(opts.BaseDelay, opts.MaxDelay, 0.2, backoff.Upward),
		seen:     cache.New(opts.DedupTTL, 2*opts.DedupTTL),
		changes:  make(chan StateChange, 64),
	}
	c.machine = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected, StateError}, Dst: StateConnecting},
			{Name: eventOpen, Src: []string{StateConnecting, StateReconnecting}, Dst: StateConnected},
			{Name: eventDrop, Src: []string{StateConnected}, Dst: StateReconnecting},
			{Name: eventFail, Src: []string{StateConnecting, StateConnected, StateReconnecting}, Dst: StateError},
			{Name: eventDisconnect, Src: []string{StateConnecting, StateConnected, StateReconnecting, StateError}, Dst: StateDisconnected},
		},
		fsm.Callbacks{},
	)
	return c
}

// State returns the current state.
func (c *Client) State() string {
	return c.machine.Current()
}

// Changes delivers state transitions. Changes are dropped when nobody reads.
func (c *Client) Changes() <-chan StateChange {
	return c.changes
}

// Err returns the reason the client entered the error state.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// RetryCount returns the number of reconnect attempts since the last
// successful connection.
func (c *Client) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// Connect opens the stream. It is allowed from the disconnected and error
// states; a failed first attempt moves the client to error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if !c.machine.Can(eventConnect) {
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrBusy, c.State())
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.retryCount = 0
	c.lastErr = nil
	c.transitionLocked(eventConnect, nil)
	c.mu.Unlock()

	s, err := c.dialer.Dial(runCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if runCtx.Err() != nil {
		// Disconnected while dialing.
		if s != nil {
			s.Close()
		}
		return runCtx.Err()
	}
	if err != nil {
		c.failLocked(fmt.Errorf("connect: %w", err))
		return err
	}
	c.openLocked(runCtx, s)
	return nil
}

// Disconnect closes the stream and cancels any pending reconnect. Calling it
// more than once is harmless.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.stopTimerLocked()
	c.closeStreamLocked()
	c.transitionLocked(eventDisconnect, nil)
}

func (c *Client) openLocked(ctx context.Context, s Stream) {
	c.stream = s
	c.retryCount = 0
	c.transitionLocked(eventOpen, nil)
	go c.read(ctx, s)
}

// read pumps one stream until it ends.
func (c *Client) read(ctx context.Context, s Stream) {
	for {
		frame, err := s.Next()
		if err != nil {
			c.dropped(ctx, s, err)
			return
		}
		if c.dispatch(frame) {
			c.mu.Lock()
			if c.stream == s {
				c.failLocked(ErrConnectionLost)
			}
			c.mu.Unlock()
			return
		}
	}
}

// dispatch hands a frame to the handlers and reports whether it was fatal.
func (c *Client) dispatch(f Frame) bool {
	switch f.Event {
	case "", "message":
		var snap wire.Snapshot
		if err := json.Unmarshal([]byte(f.Data), &snap); err != nil {
			zap.S().Debugf("Skipping malformed snapshot: %v", err)
			return false
		}
		if c.handlers.OnSnapshot != nil {
			c.handlers.OnSnapshot(snap)
		}
	case wire.EventSystemMessage:
		var msg wire.SystemMessage
		if err := json.Unmarshal([]byte(f.Data), &msg); err != nil {
			zap.S().Debugf("Skipping malformed system message: %v", err)
			return false
		}
		if msg.ID != "" {
			if err := c.seen.Add(msg.ID, struct{}{}, cache.DefaultExpiration); err != nil {
				// Already delivered.
				return false
			}
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
		return msg.Code == wire.CodeConnectionLost
	}
	return false
}

func (c *Client) dropped(ctx context.Context, s Stream, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != s {
		return
	}
	if ctx.Err() != nil {
		c.closeStreamLocked()
		c.transitionLocked(eventDisconnect, nil)
		return
	}
	zap.S().Warnf("Stream dropped: %v", cause)
	c.closeStreamLocked()
	c.transitionLocked(eventDrop, cause)
	c.scheduleLocked(ctx)
}

func (c *Client) scheduleLocked(ctx context.Context) {
	if c.retryCount >= c.opts.MaxRetries {
		c.failLocked(fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, c.retryCount))
		return
	}
	delay := c.policy.Delay(c.retryCount)
	c.retryCount++
	zap.S().Infof("Reconnecting in %s (attempt %d/%d)", delay, c.retryCount, c.opts.MaxRetries)
	c.timer = c.opts.Clock.AfterFunc(delay, func() { c.reconnect(ctx) })
}

func (c *Client) reconnect(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if ctx.Err() != nil || c.State() != StateReconnecting {
		if s != nil {
			s.Close()
		}
		return
	}
	if err != nil {
		zap.S().Warnf("Reconnect attempt %d failed: %v", c.retryCount, err)
		c.scheduleLocked(ctx)
		return
	}
	c.openLocked(ctx, s)
}

func (c *Client) failLocked(err error) {
	c.lastErr = err
	c.stopTimerLocked()
	c.closeStreamLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	zap.S().Errorf("Stream client stopped: %v", err)
	c.transitionLocked(eventFail, err)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) closeStreamLocked() {
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
}

func (c *Client) transitionLocked(event string, cause error) {
	if !c.machine.Can(event) {
		return
	}
	from := c.machine.Current()
	if err := c.machine.Event(context.Background(), event); err != nil {
		zap.S().Debugf("Client transition %s: %v", event, err)
		return
	}
	select {
	case c.changes <- StateChange{From: from, To: c.machine.Current(), Err: cause}:
	default:
	}
}
