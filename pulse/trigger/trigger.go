// Package trigger computes when a schedule fires next.
//
// A Trigger is a closed set of variants (Cron, RecurrenceRule, FixedDelay,
// OneShot). NextFireTime is pure: the only notion of "now" is the reference
// time passed in, so identical inputs always produce identical output.
package trigger

import (
	"time"

	"github.com/teranos/tock/errors"
)

// Kind discriminates trigger variants on the wire and in storage.
type Kind string

const (
	KindCron       Kind = "cron"
	KindRRule      Kind = "rrule"
	KindFixedDelay Kind = "fixed_delay"
	KindOneShot    Kind = "one_shot"
)

var (
	// ErrInvalidTrigger marks trigger definitions that cannot be evaluated.
	ErrInvalidTrigger = errors.New("invalid trigger")
	// ErrNoBusinessDay is returned when a calendar accepts no day within maxCalendarShiftDays.
	ErrNoBusinessDay = errors.New("calendar has no business day in range")
)

// maxCalendarShiftDays bounds the business-day search (ten years).
const maxCalendarShiftDays = 3660

// Trigger is implemented only by the variants in this package.
type Trigger interface {
	Kind() Kind
	// Validate returns every structural problem, not just the first.
	// loc is the zone the schedule evaluates in.
	Validate(now time.Time, loc *time.Location) []string
	next(ref time.Time, loc *time.Location) (*time.Time, error)
}

// Calendar decides whether a day may carry a firing.
type Calendar interface {
	IsBusinessDay(day time.Time) bool
}

// Cron fires on a standard cron expression: five fields, an optional
// leading seconds field, or an @descriptor.
type Cron struct {
	Expression string `json:"expression"`
}

// RecurrenceRule fires on an RFC 5545 RRULE. Anchor is the DTSTART used
// when the rule carries none.
type RecurrenceRule struct {
	Rule   string     `json:"rule"`
	Anchor *time.Time `json:"anchor,omitempty"`
}

// FixedDelay fires every Seconds after the previous reference.
type FixedDelay struct {
	Seconds int64 `json:"seconds"`
}

// OneShot fires once at StartAt.
type OneShot struct {
	StartAt time.Time `json:"startAt"`
}

func (Cron) Kind() Kind           { return KindCron }
func (RecurrenceRule) Kind() Kind { return KindRRule }
func (FixedDelay) Kind() Kind     { return KindFixedDelay }
func (OneShot) Kind() Kind        { return KindOneShot }

// NextFireTime returns the earliest firing strictly after ref, evaluated in
// loc and shifted onto a business day when cal is non-nil. A nil time means
// the trigger has terminated.
func NextFireTime(t Trigger, loc *time.Location, ref time.Time, cal Calendar) (*time.Time, error) {
	if t == nil {
		return nil, errors.Mark(errors.New("trigger is nil"), ErrInvalidTrigger)
	}
	if loc == nil {
		loc = time.UTC
	}

	next, err := t.next(ref, loc)
	if err != nil || next == nil {
		return nil, err
	}
	if cal == nil {
		return next, nil
	}
	return shiftToBusinessDay(*next, loc, cal)
}

// shiftToBusinessDay moves t forward one calendar day at a time, keeping the
// wall-clock time of day in loc, until cal accepts the day.
func shiftToBusinessDay(t time.Time, loc *time.Location, cal Calendar) (*time.Time, error) {
	local := t.In(loc)
	for i := 0; i <= maxCalendarShiftDays; i++ {
		if cal.IsBusinessDay(local) {
			return &local, nil
		}
		local = local.AddDate(0, 0, 1)
	}
	return nil, errors.WithDetailf(ErrNoBusinessDay, "searched %d days from %s", maxCalendarShiftDays, t.Format(time.RFC3339))
}

// LoadLocation resolves an IANA zone name; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone %q", tz)
	}
	return loc, nil
}
