package model

import (
	"time"
)

// Occupancy is a single seat's occupant state. Rows are never deleted: a
// released or expired seat is deactivated and keeps its history.
type Occupancy struct {
	ID            string     `gorm:"primaryKey;size:36"`
	Position      int        `gorm:"uniqueIndex;not null"` // never reused
	OccupantName  string     `gorm:"size:128;not null"`
	OwnerIdentity string     `gorm:"size:128;not null;index"`
	ActivityLabel string     `gorm:"size:256;not null"`
	EnteredAt     time.Time  `gorm:"not null"`
	LeaseExpiry   *time.Time `gorm:"index"`
	Active        bool       `gorm:"not null;index"`
	ExitedAt      *time.Time
	LastModified  time.Time `gorm:"not null"`
}

// Severity classifies a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a system message shown to every viewer.
type Notification struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Message   string    `gorm:"size:512;not null"`
	Severity  Severity  `gorm:"size:16;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}
