package model

import "time"

// PushSubscription holds the information for a browser push subscription.
// Subscribers receive every notification of the room.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	MinLevel  Severity  `gorm:"size:16;not null;default:info"`
	CreatedAt time.Time `gorm:"not null"`
}

// Wants reports whether a notification of the given severity should be
// delivered to this subscription.
func (s PushSubscription) Wants(severity Severity) bool {
	return severityRank(severity) >= severityRank(s.MinLevel)
}

func severityRank(s Severity) int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}
