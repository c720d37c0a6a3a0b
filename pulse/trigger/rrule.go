package trigger

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/teranos/tock/errors"
)

// ParseRRule builds a recurrence in loc. DTSTART comes from the rule text
// when present, else from anchor.
func ParseRRule(rule string, anchor time.Time, loc *time.Location) (*rrule.RRule, error) {
	text := strings.TrimSpace(rule)
	text = strings.TrimPrefix(text, "RRULE:")

	opt, err := rrule.StrToROptionInLocation(text, loc)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid rrule %q", rule), ErrInvalidTrigger)
	}
	if opt.Dtstart.IsZero() {
		opt.Dtstart = anchor.In(loc)
	}

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid rrule %q", rule), ErrInvalidTrigger)
	}
	return r, nil
}

// Validate parses the rule in loc, where a floating DTSTART or UNTIL is
// read, and rejects rules with no occurrence left at now.
func (r RecurrenceRule) Validate(now time.Time, loc *time.Location) []string {
	if strings.TrimSpace(r.Rule) == "" {
		return []string{"RRULE is required"}
	}
	if loc == nil {
		loc = time.UTC
	}
	anchor := now
	if r.Anchor != nil {
		anchor = *r.Anchor
	}
	rule, err := ParseRRule(r.Rule, anchor, loc)
	if err != nil {
		return []string{"Invalid RRULE: " + errors.UnwrapAll(err).Error()}
	}
	if rule.After(now, true).IsZero() {
		return []string{"RRULE has no occurrences left"}
	}
	return nil
}

// Pin fixes the rule's DTSTART at at when neither the rule text nor an
// earlier pin carries one, so COUNT and the time of day hold across
// evaluations. It reports whether the anchor was set.
func (r RecurrenceRule) Pin(at time.Time) (RecurrenceRule, bool) {
	if r.Anchor != nil {
		return r, false
	}
	text := strings.TrimPrefix(strings.TrimSpace(r.Rule), "RRULE:")
	opt, err := rrule.StrToROption(text)
	if err != nil || !opt.Dtstart.IsZero() {
		return r, false
	}
	anchor := at.UTC().Truncate(time.Second)
	r.Anchor = &anchor
	return r, true
}

func (r RecurrenceRule) next(ref time.Time, loc *time.Location) (*time.Time, error) {
	anchor := ref
	if r.Anchor != nil {
		anchor = *r.Anchor
	}
	rule, err := ParseRRule(r.Rule, anchor, loc)
	if err != nil {
		return nil, err
	}
	next := rule.After(ref, false)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}
