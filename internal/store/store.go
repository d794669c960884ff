package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"focus-room-backend/internal/model"
)

// maxClaimAttempts bounds how often a claim re-reads after losing a race.
const maxClaimAttempts = 8

// Store defines the interface for all occupancy and notification writes.
// Every mutation is a single-row conditional update; no operation needs a
// multi-row transaction.
type Store interface {
	Claim(ctx context.Context, owner, name, label string) (ClaimResult, error)
	Release(ctx context.Context, owner string) (*model.Occupancy, error)
	ScheduleLease(ctx context.Context, position int, hours float64) (time.Time, error)
	ExtendLease(ctx context.Context, position int, hours float64) (time.Time, error)
	SweepExpired(ctx context.Context, now time.Time) (SweepReport, error)
	ActiveSnapshot(ctx context.Context) ([]model.Occupancy, error)
	RecentExits(ctx context.Context, limit int) ([]model.Occupancy, error)
	CreateNotification(ctx context.Context, message string, severity model.Severity) (model.Notification, error)
	Ping(ctx context.Context) error
	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db    *gorm.DB
	clock clockwork.Clock
}

// Option configures a gormStore.
type Option func(*gormStore)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *gormStore) {
		s.clock = clock
	}
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB, opts ...Option) Store {
	s := &gormStore{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func (s *gormStore) now() time.Time {
	return s.clock.Now().UTC()
}

// Claim seats owner, or updates the label of the seat it already holds.
func (s *gormStore) Claim(ctx context.Context, owner, name, label string) (ClaimResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		res, err := s.claimOnce(ctx, owner, name, label)
		if !errors.Is(err, errClaimConflict) {
			return res, err
		}
		lastErr = err
		zap.S().Debugf("claim for %s lost a race (attempt %d), retrying", owner, attempt+1)
	}
	return ClaimResult{}, fmt.Errorf("%w: %v", ErrNoCapacity, lastErr)
}

func (s *gormStore) claimOnce(ctx context.Context, owner, name, label string) (ClaimResult, error) {
	db := s.db.WithContext(ctx)
	now := s.now()

	current, err := s.findActiveByOwner(ctx, owner)
	if err != nil {
		return ClaimResult{}, err
	}

	if current != nil {
		if current.ActivityLabel == label {
			return ClaimResult{Record: *current, Action: ActionNone}, nil
		}
		res := db.Model(&model.Occupancy{}).
			Where("id = ? AND active = ?", current.ID, true).
			Updates(map[string]any{"activity_label": label, "last_modified": now})
		if res.Error != nil {
			return ClaimResult{}, transient("update label", res.Error)
		}
		if res.RowsAffected == 0 {
			// Released between the read and the write.
			return ClaimResult{}, errClaimConflict
		}
		current.ActivityLabel = label
		current.LastModified = now
		return ClaimResult{Record: *current, Action: ActionUpdate}, nil
	}

	// Clear stray active rows left behind by an earlier duplicate-claim race.
	if err := db.Model(&model.Occupancy{}).
		Where("owner_identity = ? AND active = ?", owner, true).
		Updates(map[string]any{"active": false, "exited_at": now, "last_modified": now}).Error; err != nil {
		return ClaimResult{}, transient("deactivate strays", err)
	}

	var maxPosition int
	if err := db.Model(&model.Occupancy{}).
		Select("COALESCE(MAX(position), 0)").
		Scan(&maxPosition).Error; err != nil {
		return ClaimResult{}, transient("max position", err)
	}

	record := model.Occupancy{
		ID:            uuid.NewString(),
		Position:      maxPosition + 1,
		OccupantName:  name,
		OwnerIdentity: owner,
		ActivityLabel: label,
		EnteredAt:     now,
		Active:        true,
		LastModified:  now,
	}
	if err := db.Create(&record).Error; err != nil {
		if isUniqueViolation(err) {
			return ClaimResult{}, errClaimConflict
		}
		return ClaimResult{}, fmt.Errorf("%w: %v", ErrNoCapacity, err)
	}
	return ClaimResult{Record: record, Action: ActionCreate}, nil
}

// Release deactivates the owner's seat and returns it as it was before the
// update, or nil when the owner held no seat.
func (s *gormStore) Release(ctx context.Context, owner string) (*model.Occupancy, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		current, err := s.findActiveByOwner(ctx, owner)
		if err != nil || current == nil {
			return nil, err
		}

		now := s.now()
		res := s.db.WithContext(ctx).Model(&model.Occupancy{}).
			Where("id = ? AND active = ?", current.ID, true).
			Updates(map[string]any{"active": false, "exited_at": now, "last_modified": now})
		if res.Error != nil {
			return nil, transient("release", res.Error)
		}
		if res.RowsAffected == 1 {
			return current, nil
		}
	}
	return nil, nil
}

// ScheduleLease sets the lease of the seat at position to EnteredAt + hours.
func (s *gormStore) ScheduleLease(ctx context.Context, position int, hours float64) (time.Time, error) {
	current, err := s.findActiveByPosition(ctx, position)
	if err != nil {
		return time.Time{}, err
	}
	return s.setLease(ctx, current, current.EnteredAt.Add(hoursToDuration(hours)))
}

// ExtendLease pushes the lease of the seat at position hours past the later
// of now and its current expiry.
func (s *gormStore) ExtendLease(ctx context.Context, position int, hours float64) (time.Time, error) {
	current, err := s.findActiveByPosition(ctx, position)
	if err != nil {
		return time.Time{}, err
	}
	base := s.now()
	if current.LeaseExpiry != nil && current.LeaseExpiry.After(base) {
		base = current.LeaseExpiry.UTC()
	}
	return s.setLease(ctx, current, base.Add(hoursToDuration(hours)))
}

func (s *gormStore) setLease(ctx context.Context, current *model.Occupancy, expiry time.Time) (time.Time, error) {
	expiry = expiry.UTC()
	res := s.db.WithContext(ctx).Model(&model.Occupancy{}).
		Where("id = ? AND active = ?", current.ID, true).
		Updates(map[string]any{"lease_expiry": expiry, "last_modified": s.now()})
	if res.Error != nil {
		return time.Time{}, transient("set lease", res.Error)
	}
	if res.RowsAffected == 0 {
		return time.Time{}, fmt.Errorf("%w %d", ErrSeatNotFound, current.Position)
	}
	return expiry, nil
}

// SweepExpired deactivates every active seat whose lease ended before now.
// Each row is updated only if it is still active, so concurrent sweeps and
// releases never process the same seat twice.
func (s *gormStore) SweepExpired(ctx context.Context, now time.Time) (SweepReport, error) {
	now = now.UTC()
	db := s.db.WithContext(ctx)

	var candidates []model.Occupancy
	if err := db.
		Where("active = ? AND lease_expiry IS NOT NULL AND lease_expiry < ?", true, now).
		Order("position").
		Find(&candidates).Error; err != nil {
		return SweepReport{}, transient("find expired", err)
	}

	var report SweepReport
	for _, record := range candidates {
		res := db.Model(&model.Occupancy{}).
			Where("id = ? AND active = ?", record.ID, true).
			Updates(map[string]any{
				"active":        false,
				"exited_at":     now,
				"lease_expiry":  nil,
				"last_modified": now,
			})
		if res.Error != nil {
			zap.S().Warnf("Failed to expire seat %d (%s): %v", record.Position, record.OccupantName, res.Error)
			report.Failed = append(report.Failed, SweepFailure{Record: record, Err: res.Error})
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}
		exitedAt := now
		record.Active = false
		record.ExitedAt = &exitedAt
		record.LeaseExpiry = nil
		record.LastModified = now
		report.Expired = append(report.Expired, record)
	}
	return report, nil
}

// ActiveSnapshot returns all seated occupants ordered by position.
func (s *gormStore) ActiveSnapshot(ctx context.Context) ([]model.Occupancy, error) {
	var records []model.Occupancy
	if err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("position").
		Find(&records).Error; err != nil {
		return nil, transient("snapshot", err)
	}
	return records, nil
}

// RecentExits returns the most recently vacated seats.
func (s *gormStore) RecentExits(ctx context.Context, limit int) ([]model.Occupancy, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []model.Occupancy
	if err := s.db.WithContext(ctx).
		Where("active = ?", false).
		Order("exited_at DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, transient("recent exits", err)
	}
	return records, nil
}

func (s *gormStore) CreateNotification(ctx context.Context, message string, severity model.Severity) (model.Notification, error) {
	n := model.Notification{
		ID:        uuid.NewString(),
		Message:   message,
		Severity:  severity,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
		return model.Notification{}, transient("create notification", err)
	}
	return n, nil
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return transient("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return transient("ping", err)
	}
	return nil
}

// --- Lookup helpers ---

func (s *gormStore) findActiveByOwner(ctx context.Context, owner string) (*model.Occupancy, error) {
	var record model.Occupancy
	err := s.db.WithContext(ctx).
		Where("owner_identity = ? AND active = ?", owner, true).
		Order("position").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("find by owner", err)
	}
	return &record, nil
}

func (s *gormStore) findActiveByPosition(ctx context.Context, position int) (*model.Occupancy, error) {
	var record model.Occupancy
	err := s.db.WithContext(ctx).
		Where("position = ? AND active = ?", position, true).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w %d", ErrSeatNotFound, position)
	}
	if err != nil {
		return nil, transient("find by position", err)
	}
	return &record, nil
}

func hoursToDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}
