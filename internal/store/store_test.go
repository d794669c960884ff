package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"focus-room-backend/internal/db"
	"focus-room-backend/internal/model"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// A helper function to create an isolated in-memory database.
func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	testDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := testDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(testDB))
	return testDB
}

// A helper function to create a mock database connection.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	return gormDB, mock
}

func newTestStore(t *testing.T) (Store, *clockwork.FakeClock, *gorm.DB) {
	testDB := newSQLiteDB(t)
	clock := clockwork.NewFakeClockAt(epoch)
	return NewGormStore(testDB, WithClock(clock)), clock, testDB
}

func activeCount(t *testing.T, testDB *gorm.DB, owner string) int64 {
	var n int64
	require.NoError(t, testDB.Model(&model.Occupancy{}).
		Where("owner_identity = ? AND active = ?", owner, true).
		Count(&n).Error)
	return n
}

func TestGormStore_ClaimLifecycle(t *testing.T) {
	s, clock, testDB := newTestStore(t)
	ctx := context.Background()

	var first ClaimResult
	t.Run("claim on empty store creates seat 1", func(t *testing.T) {
		res, err := s.Claim(ctx, "u1", "alice", "writing")
		require.NoError(t, err)
		assert.Equal(t, ActionCreate, res.Action)
		assert.Equal(t, 1, res.Record.Position)
		assert.True(t, res.Record.Active)
		assert.Equal(t, epoch, res.Record.EnteredAt)
		first = res
	})

	t.Run("same label is a no-op", func(t *testing.T) {
		clock.Advance(time.Minute)
		res, err := s.Claim(ctx, "u1", "alice", "writing")
		require.NoError(t, err)
		assert.Equal(t, ActionNone, res.Action)
		assert.Equal(t, first.Record.ID, res.Record.ID)

		var stored model.Occupancy
		require.NoError(t, testDB.First(&stored, "id = ?", first.Record.ID).Error)
		assert.True(t, stored.LastModified.Equal(first.Record.LastModified), "lastModified must not advance")
	})

	t.Run("new label updates in place", func(t *testing.T) {
		clock.Advance(time.Minute)
		res, err := s.Claim(ctx, "u1", "alice", "reading")
		require.NoError(t, err)
		assert.Equal(t, ActionUpdate, res.Action)
		assert.Equal(t, first.Record.ID, res.Record.ID)
		assert.Equal(t, "reading", res.Record.ActivityLabel)
		assert.Equal(t, 1, res.Record.Position)
		assert.True(t, res.Record.EnteredAt.Equal(epoch), "entry time is preserved")
		assert.True(t, res.Record.LastModified.After(first.Record.LastModified))
	})

	t.Run("release deactivates, second release is a no-op", func(t *testing.T) {
		released, err := s.Release(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, released)
		assert.Equal(t, first.Record.ID, released.ID)
		assert.True(t, released.Active, "release returns the pre-update record")

		var stored model.Occupancy
		require.NoError(t, testDB.First(&stored, "id = ?", first.Record.ID).Error)
		assert.False(t, stored.Active)
		require.NotNil(t, stored.ExitedAt)

		again, err := s.Release(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, again)
	})
}

func TestGormStore_PositionsAreMonotonic(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	claim := func(owner string) int {
		res, err := s.Claim(ctx, owner, owner, "task")
		require.NoError(t, err)
		return res.Record.Position
	}

	assert.Equal(t, 1, claim("u1"))
	assert.Equal(t, 2, claim("u2"))
	_, err := s.Release(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 3, claim("u3"), "released positions are not reused")
	assert.Equal(t, 4, claim("u2"), "returning owner gets a fresh position")
}

func TestGormStore_ConcurrentClaimsKeepOneActiveSeat(t *testing.T) {
	s, _, testDB := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Claim(ctx, "u1", "alice", "writing"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), activeCount(t, testDB, "u1"))
}

func TestGormStore_Leases(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.Claim(ctx, "u1", "alice", "writing")
	require.NoError(t, err)

	expiry, err := s.ScheduleLease(ctx, res.Record.Position, 2)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(2*time.Hour), expiry)

	clock.Advance(30 * time.Minute)
	extended, err := s.ExtendLease(ctx, res.Record.Position, 1)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(3*time.Hour), extended, "extension starts from the current expiry")

	_, err = s.ScheduleLease(ctx, 42, 2)
	assert.ErrorIs(t, err, ErrSeatNotFound)
	_, err = s.ExtendLease(ctx, 42, 1)
	assert.ErrorIs(t, err, ErrSeatNotFound)
}

func TestGormStore_SweepExpired(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	expiring, err := s.Claim(ctx, "u1", "alice", "writing")
	require.NoError(t, err)
	staying, err := s.Claim(ctx, "u2", "bob", "reading")
	require.NoError(t, err)
	noLease, err := s.Claim(ctx, "u3", "carol", "coding")
	require.NoError(t, err)

	_, err = s.ScheduleLease(ctx, expiring.Record.Position, 1)
	require.NoError(t, err)
	_, err = s.ScheduleLease(ctx, staying.Record.Position, 3)
	require.NoError(t, err)

	// The first lease ended one second ago.
	clock.Advance(time.Hour + time.Second)
	report, err := s.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, report.Expired, 1)
	assert.Empty(t, report.Failed)
	assert.Equal(t, expiring.Record.ID, report.Expired[0].ID)
	assert.False(t, report.Expired[0].Active)
	assert.Nil(t, report.Expired[0].LeaseExpiry)

	snapshot, err := s.ActiveSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	assert.Equal(t, staying.Record.ID, snapshot[0].ID)
	assert.Equal(t, noLease.Record.ID, snapshot[1].ID)

	again, err := s.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, again.Expired)

	exits, err := s.RecentExits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, expiring.Record.ID, exits[0].ID)
}

func TestGormStore_ConcurrentSweepsExpireOnce(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	for _, owner := range []string{"u1", "u2", "u3", "u4"} {
		res, err := s.Claim(ctx, owner, owner, "task")
		require.NoError(t, err)
		_, err = s.ScheduleLease(ctx, res.Record.Position, 1)
		require.NoError(t, err)
	}
	clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	reports := make([]SweepReport, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report, err := s.SweepExpired(ctx, clock.Now())
			assert.NoError(t, err)
			reports[i] = report
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	total := 0
	for _, r := range reports {
		for _, rec := range r.Expired {
			seen[rec.ID]++
			total++
		}
	}
	assert.Equal(t, 4, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "seat %s expired twice", id)
	}
}

func TestGormStore_CreateNotification(t *testing.T) {
	s, _, testDB := newTestStore(t)

	n, err := s.CreateNotification(context.Background(), "alice sat down", model.SeverityInfo)
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, epoch, n.CreatedAt)

	var count int64
	testDB.Model(&model.Notification{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestGormStore_DatabaseFailures(t *testing.T) {
	t.Run("snapshot failure is transient", func(t *testing.T) {
		gormDB, mock := newMockDB(t)
		s := NewGormStore(gormDB)

		mock.ExpectQuery(`SELECT \* FROM "occupancies"`).WillReturnError(errors.New("connection refused"))

		_, err := s.ActiveSnapshot(context.Background())
		assert.True(t, IsTransient(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejected insert reports no capacity", func(t *testing.T) {
		gormDB, mock := newMockDB(t)
		s := NewGormStore(gormDB)

		mock.ExpectQuery(`SELECT \* FROM "occupancies"`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "position"}))
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "occupancies" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectQuery(`SELECT COALESCE\(MAX\(position\), 0\) FROM "occupancies"`).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "occupancies"`).WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err := s.Claim(context.Background(), "u1", "alice", "writing")
		assert.ErrorIs(t, err, ErrNoCapacity)
		assert.False(t, IsTransient(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
