package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"focus-room-backend/internal/model"
)

var (
	// ErrSeatNotFound is returned when no active occupant sits at a position.
	ErrSeatNotFound = errors.New("no active occupant at position")
	// ErrNoCapacity is returned when the store rejects a new seat.
	ErrNoCapacity = errors.New("seat could not be allocated")

	// errClaimConflict marks a claim attempt that lost a race and must re-read.
	errClaimConflict = errors.New("claim conflict")
)

// TransientError wraps a failure of the underlying database. Callers may
// retry; the sweep does so on its next tick.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a database availability failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ClaimAction describes what a claim did.
type ClaimAction string

const (
	ActionCreate ClaimAction = "create"
	ActionUpdate ClaimAction = "update"
	ActionNone   ClaimAction = "none"
)

// ClaimResult is the outcome of Store.Claim.
type ClaimResult struct {
	Record model.Occupancy
	Action ClaimAction
}

// SweepFailure is a record the sweep could not expire.
type SweepFailure struct {
	Record model.Occupancy
	Err    error
}

// SweepReport lists the records expired by one sweep. Records that a
// concurrent sweep or release already deactivated appear in neither list.
type SweepReport struct {
	Expired []model.Occupancy
	Failed  []SweepFailure
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
