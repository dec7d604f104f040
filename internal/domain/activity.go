// Package domain defines the activity lifecycle model and the pure decision
// logic folded over an activity's event history.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Yolt-group/site-management-sub001/internal/events"
)

var (
	// ErrMissingStartEvent indicates an event referenced an activity nobody
	// started. It signals a prior message loss and must surface to the bus
	// layer for dead-lettering, never be swallowed.
	ErrMissingStartEvent = errors.New("no start event for activity")
	// ErrActivityNotFound is returned when an activity row cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrInvalidTerminalEvent rejects a close attempt with a payload that is
	// not a terminal milestone.
	ErrInvalidTerminalEvent = errors.New("event cannot close an activity")
	// ErrNotStartEvent rejects deriving a summary row from a payload that
	// does not open an activity.
	ErrNotStartEvent = errors.New("event does not start an activity")
)

// EndTimePrecision is the truncation applied to end times so repeated closes
// compare stably.
const EndTimePrecision = time.Millisecond

// Activity is the mutable summary row derived from an activity's event log.
// EndTime == nil means the activity is still running.
type Activity struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	StartTime   time.Time
	EndTime     *time.Time
	StartKind   events.StartKind
	UserSiteIDs []uuid.UUID
}

// Running reports whether the activity has not reached a terminal state yet.
func (a Activity) Running() bool {
	return a.EndTime == nil
}

// FromStartEvent derives the initial summary row for a start event.
func FromStartEvent(evt events.ActivityEvent) (Activity, error) {
	start, ok := events.AsStart(evt.Payload)
	if !ok {
		return Activity{}, ErrNotStartEvent
	}
	return Activity{
		ID:          evt.ActivityID,
		UserID:      evt.UserID,
		StartTime:   evt.EventTime,
		StartKind:   start.StartKind(),
		UserSiteIDs: start.TargetUserSiteIDs(),
	}, nil
}
