package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"focus-room-backend/internal/db"
	"focus-room-backend/internal/model"
)

func newTestDB(t *testing.T, broker *Broker) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	testDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := testDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, testDB.Use(broker))
	require.NoError(t, db.Migrate(testDB))
	return testDB
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly: %v", sub.Err())
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for feed event")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_PublishesStoreMutations(t *testing.T) {
	broker := NewBroker(8)
	testDB := newTestDB(t, broker)

	sub, err := broker.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	now := time.Now().UTC()
	seat := model.Occupancy{
		ID: uuid.NewString(), Position: 1, OccupantName: "alice", OwnerIdentity: "u1",
		ActivityLabel: "writing", EnteredAt: now, Active: true, LastModified: now,
	}
	require.NoError(t, testDB.Create(&seat).Error)
	assert.Equal(t, OccupancyChanged, receive(t, sub).Kind)

	res := testDB.Model(&model.Occupancy{}).Where("id = ?", seat.ID).Update("activity_label", "reading")
	require.NoError(t, res.Error)
	assert.Equal(t, OccupancyChanged, receive(t, sub).Kind)

	// An update that matches nothing changes nothing.
	res = testDB.Model(&model.Occupancy{}).Where("id = ?", "missing").Update("activity_label", "x")
	require.NoError(t, res.Error)
	assertNoEvent(t, sub)

	n := model.Notification{ID: uuid.NewString(), Message: "hello", Severity: model.SeverityInfo, CreatedAt: now}
	require.NoError(t, testDB.Create(&n).Error)
	ev := receive(t, sub)
	assert.Equal(t, NotificationCreated, ev.Kind)
	require.NotNil(t, ev.Notification)
	assert.Equal(t, "hello", ev.Notification.Message)
	assert.False(t, ev.Ephemeral)
}

func TestBroker_Announce(t *testing.T) {
	broker := NewBroker(4)
	sub, err := broker.Subscribe()
	require.NoError(t, err)

	broker.Announce(model.Notification{Message: "store unreachable", Severity: model.SeverityWarning})

	ev := receive(t, sub)
	assert.Equal(t, NotificationCreated, ev.Kind)
	assert.True(t, ev.Ephemeral)
	assert.Equal(t, model.SeverityWarning, ev.Notification.Severity)
}

func TestBroker_LaggingSubscriberIsTerminated(t *testing.T) {
	broker := NewBroker(1)
	slow, err := broker.Subscribe()
	require.NoError(t, err)

	broker.Publish(Event{Kind: OccupancyChanged})
	broker.Publish(Event{Kind: OccupancyChanged})

	// The buffered event is still delivered, then the channel closes.
	_, ok := <-slow.Events()
	assert.True(t, ok)
	_, ok = <-slow.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, slow.Err(), ErrSubscriberLagging)
	assert.Equal(t, 0, broker.Len())
}

func TestBroker_Close(t *testing.T) {
	broker := NewBroker(4)
	sub, err := broker.Subscribe()
	require.NoError(t, err)

	broker.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrFeedClosed)

	_, err = broker.Subscribe()
	assert.ErrorIs(t, err, ErrFeedClosed)
}

func TestSubscription_FailAndClose(t *testing.T) {
	broker := NewBroker(4)
	a, _ := broker.Subscribe()
	b, _ := broker.Subscribe()

	boom := errors.New("boom")
	a.Fail(boom)
	b.Close()
	b.Close()

	_, ok := <-a.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, a.Err(), boom)

	_, ok = <-b.Events()
	assert.False(t, ok)
	assert.NoError(t, b.Err())
	assert.Equal(t, 0, broker.Len())
}
