package scheduler

import (
	"time"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Transition is the state a schedule moves to when it fires.
type Transition struct {
	Status    schema.ScheduleStatus
	NextRunAt time.Time
	LastRunAt time.Time
}

// Update converts the transition into a store update. A zero LastRunAt is
// left untouched.
func (t Transition) Update() store.ScheduleUpdate {
	status, next := t.Status, t.NextRunAt
	u := store.ScheduleUpdate{Status: &status, NextRunAt: &next}
	if !t.LastRunAt.IsZero() {
		last := t.LastRunAt
		u.LastRunAt = &last
	}
	return u
}

// Due reports whether an active schedule's next run time has passed.
func Due(s *schema.Schedule, now time.Time) bool {
	return s.Status == schema.ScheduleActive && !now.Before(s.NextRunAt)
}

// Fire computes the transition for firing s at now. Recurring schedules
// advance along the interval grid anchored at the previous NextRunAt, so a
// late or repeated firing never drifts and skips missed slots instead of
// replaying them. Once schedules pause and keep their NextRunAt.
func Fire(s *schema.Schedule, now time.Time) (Transition, error) {
	if err := s.Validate(); err != nil {
		return Transition{}, err
	}
	if s.Status != schema.ScheduleActive {
		return Transition{}, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"schedule %q is %s and cannot fire", s.Name, s.Status)
	}

	t := Transition{Status: schema.ScheduleActive, NextRunAt: s.NextRunAt, LastRunAt: now}
	switch s.Mode {
	case schema.ScheduleOnce:
		t.Status = schema.SchedulePaused
	case schema.ScheduleRecurring:
		t.NextRunAt = NextAfter(s.NextRunAt, s.Interval(), now)
	}
	return t, nil
}

// NextAfter returns the first point on the grid prev + k*interval (k >= 1)
// that lies strictly after now. The grid keeps prev's sub-second offset.
func NextAfter(prev time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return prev
	}
	next := prev.Add(interval)
	if next.After(now) {
		return next
	}
	// Jump straight past now instead of stepping one slot at a time.
	k := now.Sub(prev)/interval + 1
	return prev.Add(k * interval)
}

// Reactivate re-arms a paused schedule to fire at nextRunAt. For once
// schedules this allows exactly one more firing.
func Reactivate(s *schema.Schedule, nextRunAt time.Time) (Transition, error) {
	if s.Status != schema.SchedulePaused {
		return Transition{}, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"schedule %q is %s; only paused schedules can be reactivated", s.Name, s.Status)
	}
	if nextRunAt.IsZero() {
		return Transition{}, schema.NewError(schema.ErrCodeValidation, "reactivation needs a next run time")
	}
	return Transition{Status: schema.ScheduleActive, NextRunAt: nextRunAt}, nil
}
