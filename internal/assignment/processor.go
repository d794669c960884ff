// Package assignment turns parsed chat commands into seat claims and
// releases, schedules the lease of new seats and announces what happened.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"focus-room-backend/internal/metrics"
	"focus-room-backend/internal/model"
	"focus-room-backend/internal/parse"
	"focus-room-backend/internal/store"
)

// Store is the part of store.Store the processor writes through.
type Store interface {
	Claim(ctx context.Context, owner, name, label string) (store.ClaimResult, error)
	Release(ctx context.Context, owner string) (*model.Occupancy, error)
	ScheduleLease(ctx context.Context, position int, hours float64) (time.Time, error)
	CreateNotification(ctx context.Context, message string, severity model.Severity) (model.Notification, error)
}

// ClaimCommand asks for a seat, or for a new task on the seat already held.
type ClaimCommand struct {
	Username string
	AuthorID string
	TaskName string
}

// ReleaseCommand gives up the seat held by the author.
type ReleaseCommand struct {
	Username string
	AuthorID string
}

// ClaimOutcome is the result of a claim command.
type ClaimOutcome struct {
	Action store.ClaimAction
	Seat   model.Occupancy
}

// ReleaseOutcome is the result of a release command. Seat is nil when the
// author held no seat.
type ReleaseOutcome struct {
	Seat *model.Occupancy
}

// Released reports whether a seat was given up.
func (o ReleaseOutcome) Released() bool {
	return o.Seat != nil
}

// Processor applies seat commands.
type Processor struct {
	store      Store
	ack        Acknowledger
	leaseHours float64
}

// NewProcessor creates a processor. New seats get a lease of leaseHours.
func NewProcessor(st Store, ack Acknowledger, leaseHours float64) *Processor {
	if ack == nil {
		ack = NoopAcknowledger{}
	}
	if leaseHours <= 0 {
		leaseHours = 2
	}
	return &Processor{store: st, ack: ack, leaseHours: leaseHours}
}

// Claim seats the author or updates their task.
func (p *Processor) Claim(ctx context.Context, cmd ClaimCommand) (ClaimOutcome, error) {
	name, err := parse.Username(cmd.Username)
	if err != nil {
		return ClaimOutcome{}, err
	}
	label, err := parse.Label(cmd.TaskName)
	if err != nil {
		return ClaimOutcome{}, err
	}
	owner := parse.OwnerIdentity(cmd.AuthorID, name)

	res, err := p.store.Claim(ctx, owner, name, label)
	if err != nil {
		return ClaimOutcome{}, fmt.Errorf("claim seat for %s: %w", name, err)
	}
	metrics.Commands.WithLabelValues("work", string(res.Action)).Inc()

	// The seat is already committed here, so a failed lease write does not
	// fail the command. The next task change schedules it again; a repeated
	// claim writes nothing.
	if res.Action != store.ActionNone && res.Record.LeaseExpiry == nil {
		expiry, err := p.store.ScheduleLease(ctx, res.Record.Position, p.leaseHours)
		if err != nil {
			zap.S().Warnf("Could not schedule lease for seat %d: %v", res.Record.Position, err)
		} else {
			res.Record.LeaseExpiry = &expiry
		}
	}

	switch res.Action {
	case store.ActionCreate:
		zap.S().Infof("%s took seat %d (%s)", name, res.Record.Position, label)
		p.notify(ctx, fmt.Sprintf("%s sat down at seat %d to work on %s", name, res.Record.Position, label))
	case store.ActionUpdate:
		zap.S().Infof("%s switched seat %d to %s", name, res.Record.Position, label)
		p.notify(ctx, fmt.Sprintf("%s is now working on %s", name, label))
	default:
		return ClaimOutcome{Action: res.Action, Seat: res.Record}, nil
	}

	p.acknowledge(ctx, Ack{
		Command:  "work",
		Username: name,
		Action:   string(res.Action),
		Position: res.Record.Position,
		Task:     label,
	})
	return ClaimOutcome{Action: res.Action, Seat: res.Record}, nil
}

// Release frees the author's seat, if any.
func (p *Processor) Release(ctx context.Context, cmd ReleaseCommand) (ReleaseOutcome, error) {
	name, err := parse.Username(cmd.Username)
	if err != nil {
		return ReleaseOutcome{}, err
	}
	owner := parse.OwnerIdentity(cmd.AuthorID, name)

	seat, err := p.store.Release(ctx, owner)
	if err != nil {
		return ReleaseOutcome{}, fmt.Errorf("release seat of %s: %w", name, err)
	}
	if seat == nil {
		metrics.Commands.WithLabelValues("finish", "none").Inc()
		return ReleaseOutcome{}, nil
	}
	metrics.Commands.WithLabelValues("finish", "exit").Inc()

	zap.S().Infof("%s left seat %d", name, seat.Position)
	p.notify(ctx, fmt.Sprintf("%s finished %s and left seat %d", seat.OccupantName, seat.ActivityLabel, seat.Position))
	p.acknowledge(ctx, Ack{
		Command:  "finish",
		Username: seat.OccupantName,
		Action:   "exit",
		Position: seat.Position,
		Task:     seat.ActivityLabel,
	})
	return ReleaseOutcome{Seat: seat}, nil
}

func (p *Processor) notify(ctx context.Context, message string) {
	if _, err := p.store.CreateNotification(ctx, message, model.SeverityInfo); err != nil {
		zap.S().Warnf("Could not store notification %q: %v", message, err)
	}
}

func (p *Processor) acknowledge(ctx context.Context, ack Ack) {
	err := p.ack.Acknowledge(ctx, ack)
	if err == nil {
		return
	}
	var quota *QuotaError
	if errors.As(err, &quota) {
		zap.S().Warnf("Acknowledgment for %s was throttled: %v", ack.Username, quota)
		return
	}
	zap.S().Warnf("Acknowledgment for %s failed: %v", ack.Username, err)
}
