package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focus-room-backend/internal/feed"
	"focus-room-backend/internal/model"
	"focus-room-backend/internal/wire"
)

var errFeedDown = errors.New("feed down")

type fakeSnapshotter struct {
	mu      sync.Mutex
	records []model.Occupancy
	err     error
}

func (f *fakeSnapshotter) set(records ...model.Occupancy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

func (f *fakeSnapshotter) ActiveSnapshot(context.Context) ([]model.Occupancy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Occupancy(nil), f.records...), nil
}

// fakeSource wraps a real broker and can be told to refuse subscriptions.
type fakeSource struct {
	broker *feed.Broker

	mu       sync.Mutex
	down     bool
	subs     []*feed.Subscription
	attempts int
}

func newFakeSource() *fakeSource {
	return &fakeSource{broker: feed.NewBroker(8)}
}

func (f *fakeSource) Subscribe() (*feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.down {
		return nil, errFeedDown
	}
	sub, err := f.broker.Subscribe()
	if err == nil {
		f.subs = append(f.subs, sub)
	}
	return sub, err
}

func (f *fakeSource) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeSource) last() *feed.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSweeper) EnsureStarted(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.calls == 1
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	snapshots chan wire.Snapshot
	messages  chan wire.SystemMessage
	pings     chan struct{}
	failWith  error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		snapshots: make(chan wire.Snapshot, 32),
		messages:  make(chan wire.SystemMessage, 32),
		pings:     make(chan struct{}, 32),
	}
}

func (f *fakeSink) Snapshot(s wire.Snapshot) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.snapshots <- s
	return nil
}

func (f *fakeSink) Message(m wire.SystemMessage) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.messages <- m
	return nil
}

func (f *fakeSink) Ping() error {
	f.pings <- struct{}{}
	return nil
}

func (f *fakeSink) nextSnapshot(t *testing.T) wire.Snapshot {
	t.Helper()
	select {
	case s := <-f.snapshots:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return wire.Snapshot{}
}

func (f *fakeSink) nextMessage(t *testing.T) wire.SystemMessage {
	t.Helper()
	select {
	case m := <-f.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for system message")
	}
	return wire.SystemMessage{}
}

type hubFixture struct {
	hub     *Hub
	store   *fakeSnapshotter
	source  *fakeSource
	sweeper *fakeSweeper
	clock   *clockwork.FakeClock
}

func newHubFixture() *hubFixture {
	f := &hubFixture{
		store:   &fakeSnapshotter{},
		source:  newFakeSource(),
		sweeper: &fakeSweeper{},
		clock:   clockwork.NewFakeClock(),
	}
	f.hub = NewHub(context.Background(), f.store, f.source, NewRegistry(), f.sweeper, Options{
		RoomID:        "room-a",
		Heartbeat:     time.Hour,
		RetryBase:     time.Second,
		RetryMax:      30 * time.Second,
		RetryJitter:   0.2,
		RetryAttempts: 10,
		Clock:         f.clock,
	})
	return f
}

func (f *hubFixture) serve(ctx context.Context, sink Sink) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.hub.Serve(ctx, sink) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	return nil
}

func TestHub_InitialSnapshotAndCleanup(t *testing.T) {
	f := newHubFixture()
	f.store.set(model.Occupancy{ID: "a", Position: 1, OccupantName: "alice", ActivityLabel: "reading", Active: true})

	ctx, cancel := context.WithCancel(context.Background())
	sink := newFakeSink()
	done := f.serve(ctx, sink)

	snap := sink.nextSnapshot(t)
	require.Len(t, snap.Rooms, 1)
	assert.Equal(t, "room-a", snap.Rooms[0].ID)
	require.Len(t, snap.Rooms[0].Seats, 1)
	assert.Equal(t, "alice", snap.Rooms[0].Seats[0].Username)

	assert.Equal(t, int64(1), f.hub.Registry().Count())
	assert.Equal(t, 1, f.sweeper.count())

	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, int64(0), f.hub.Registry().Count())
	assert.Equal(t, 0, f.source.broker.Len(), "subscription released on close")
}

func TestHub_OnlyFirstConnectionStartsScheduler(t *testing.T) {
	f := newHubFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s1, s2 := newFakeSink(), newFakeSink()
	d1 := f.serve(ctx, s1)
	s1.nextSnapshot(t)
	d2 := f.serve(ctx, s2)
	s2.nextSnapshot(t)

	assert.Equal(t, int64(2), f.hub.Registry().Count())
	assert.Equal(t, 1, f.sweeper.count())

	cancel()
	waitDone(t, d1)
	waitDone(t, d2)
	assert.Equal(t, int64(0), f.hub.Registry().Count())
}

func TestHub_PushesChangesAndNotifications(t *testing.T) {
	f := newHubFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newFakeSink()
	done := f.serve(ctx, sink)
	assert.Empty(t, sink.nextSnapshot(t).Rooms[0].Seats)

	f.store.set(model.Occupancy{ID: "b", Position: 2, OccupantName: "bob", Active: true})
	f.source.broker.Publish(feed.Event{Kind: feed.OccupancyChanged})
	snap := sink.nextSnapshot(t)
	require.Len(t, snap.Rooms[0].Seats, 1)
	assert.Equal(t, 2, snap.Rooms[0].Seats[0].Position)

	f.source.broker.Announce(model.Notification{ID: "n1", Message: "hello", Severity: model.SeverityInfo})
	msg := sink.nextMessage(t)
	assert.Equal(t, "hello", msg.Message)
	assert.Equal(t, "info", msg.Type)
	assert.Equal(t, "n1", msg.ID)

	cancel()
	waitDone(t, done)
}

func TestHub_ResubscribesAfterFeedError(t *testing.T) {
	f := newHubFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newFakeSink()
	done := f.serve(ctx, sink)
	sink.nextSnapshot(t)

	f.source.last().Fail(feed.ErrSubscriberLagging)
	warning := sink.nextMessage(t)
	assert.Equal(t, "warning", warning.Type)
	assert.Empty(t, warning.Code)

	// Heartbeat ticker plus the retry timer.
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.store.set(model.Occupancy{ID: "c", Position: 3, OccupantName: "carol", Active: true})
	f.clock.Advance(30 * time.Second)

	snap := sink.nextSnapshot(t)
	require.Len(t, snap.Rooms[0].Seats, 1, "state is re-fetched after re-subscribing")
	assert.Equal(t, "carol", snap.Rooms[0].Seats[0].Username)

	f.source.broker.Publish(feed.Event{Kind: feed.OccupancyChanged})
	sink.nextSnapshot(t)

	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, 0, f.source.broker.Len())
}

func TestHub_GivesUpAfterRetryBudget(t *testing.T) {
	f := newHubFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newFakeSink()
	done := f.serve(ctx, sink)
	sink.nextSnapshot(t)

	f.source.setDown(true)
	f.source.last().Fail(errFeedDown)
	assert.Equal(t, "warning", sink.nextMessage(t).Type)

	for i := 0; i < 10; i++ {
		require.NoError(t, f.clock.BlockUntilContext(ctx, 2), "retry %d", i+1)
		f.clock.Advance(30 * time.Second)
	}

	fatal := sink.nextMessage(t)
	assert.Equal(t, "error", fatal.Type)
	assert.Equal(t, wire.CodeConnectionLost, fatal.Code)

	assert.ErrorIs(t, waitDone(t, done), ErrConnectionLost)
	assert.Equal(t, 11, f.source.attempts, "initial subscription plus ten retries")
	assert.Equal(t, int64(0), f.hub.Registry().Count())
}

func TestHub_RetryBudgetResetsOnSuccess(t *testing.T) {
	f := newHubFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newFakeSink()
	done := f.serve(ctx, sink)
	sink.nextSnapshot(t)

	// Burn most of the budget, then recover.
	f.source.setDown(true)
	f.source.last().Fail(errFeedDown)
	sink.nextMessage(t)
	for i := 0; i < 8; i++ {
		require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
		f.clock.Advance(30 * time.Second)
	}
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.source.setDown(false)
	f.clock.Advance(30 * time.Second)
	sink.nextSnapshot(t)

	// A second outage gets the full budget again.
	f.source.setDown(true)
	f.source.last().Fail(errFeedDown)
	sink.nextMessage(t)
	for i := 0; i < 9; i++ {
		require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
		f.clock.Advance(30 * time.Second)
	}
	select {
	case err := <-done:
		t.Fatalf("session ended early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, waitDone(t, done))
}

func TestHub_SinkFailureEndsSession(t *testing.T) {
	f := newHubFixture()
	sink := newFakeSink()
	sink.failWith = errors.New("broken pipe")

	err := waitDone(t, f.serve(context.Background(), sink))
	assert.EqualError(t, err, "broken pipe")
	assert.Equal(t, int64(0), f.hub.Registry().Count())
	assert.Equal(t, 0, f.source.broker.Len())
}

func TestHub_SnapshotFailureIsReported(t *testing.T) {
	f := newHubFixture()
	f.store.err = errors.New("db down")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newFakeSink()
	done := f.serve(ctx, sink)
	msg := sink.nextMessage(t)
	assert.Equal(t, "warning", msg.Type)

	cancel()
	assert.NoError(t, waitDone(t, done))
}

func TestHub_Heartbeat(t *testing.T) {
	f := newHubFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newFakeSink()
	done := f.serve(ctx, sink)
	sink.nextSnapshot(t)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(time.Hour)
	select {
	case <-sink.pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}

	cancel()
	waitDone(t, done)
}
