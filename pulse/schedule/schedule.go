// Package schedule persists schedule definitions and turns due schedules
// into target dispatches.
package schedule

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/teranos/tock/pulse/target"
	"github.com/teranos/tock/pulse/trigger"
)

// CalendarRef names the business-day calendar a schedule is shifted onto.
type CalendarRef struct {
	Key string `json:"key"`
}

// Schedule is a persisted, declarative timing definition bound to a target.
//
// NextFireAt is set only while Enabled. Every mutation bumps Version and
// writers compare-and-swap on the version they read.
type Schedule struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	Name       string          `json:"name"`
	Timezone   string          `json:"timezone"`
	Trigger    trigger.Trigger `json:"-"`
	Target     target.Target   `json:"-"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Calendar   *CalendarRef    `json:"calendar,omitempty"`
	JobID      *string         `json:"jobId,omitempty"`
	Enabled    bool            `json:"enabled"`
	NextFireAt *time.Time      `json:"nextFireAt,omitempty"`
	LastFireAt *time.Time      `json:"lastFireAt,omitempty"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	DeletedAt  *time.Time      `json:"deletedAt,omitempty"`
}

// scheduleJSON carries the trigger and target as tagged envelopes.
type scheduleJSON struct {
	scheduleAlias
	Trigger *trigger.Envelope `json:"trigger,omitempty"`
	Target  *target.Envelope  `json:"target,omitempty"`
}

type scheduleAlias Schedule

// MarshalJSON renders the trigger and target as {"type", "config"} envelopes.
func (s Schedule) MarshalJSON() ([]byte, error) {
	out := scheduleJSON{scheduleAlias: scheduleAlias(s)}
	if s.Trigger != nil {
		env, err := trigger.Encode(s.Trigger)
		if err != nil {
			return nil, err
		}
		out.Trigger = &env
	}
	if s.Target != nil {
		env, err := target.Encode(s.Target)
		if err != nil {
			return nil, err
		}
		out.Target = &env
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the envelopes into their closed variant sets. An
// absent or empty envelope leaves the field nil for validation to report.
func (s *Schedule) UnmarshalJSON(data []byte) error {
	var in scheduleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = Schedule(in.scheduleAlias)

	if in.Trigger != nil && !isEmptyEnvelope(string(in.Trigger.Type), in.Trigger.Config) {
		t, err := trigger.Decode(*in.Trigger)
		if err != nil {
			return err
		}
		s.Trigger = t
	}
	if in.Target != nil && !isEmptyEnvelope(string(in.Target.Type), in.Target.Config) {
		t, err := target.Decode(*in.Target)
		if err != nil {
			return err
		}
		s.Target = t
	}
	return nil
}

func isEmptyEnvelope(kind string, config json.RawMessage) bool {
	trimmed := bytes.TrimSpace(config)
	return kind == "" && (len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")))
}

// Location resolves the schedule's timezone, defaulting to UTC.
func (s *Schedule) Location() (*time.Location, error) {
	return trigger.LoadLocation(s.Timezone)
}

// IsDeleted reports whether the schedule was logically deleted.
func (s *Schedule) IsDeleted() bool {
	return s.DeletedAt != nil
}
