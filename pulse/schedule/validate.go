package schedule

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/tock/errors"
)

// ValidationResult is the outcome of Validate: every violation, not just the first.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidationError carries all violations of a rejected create or update.
// It matches errors.ErrInvalidRequest.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "invalid schedule: " + strings.Join(e.Messages, "; ")
}

// Is lets errors.Is(err, errors.ErrInvalidRequest) match.
func (e *ValidationError) Is(target error) bool {
	return target == errors.ErrInvalidRequest
}

// Validate checks timezone, trigger, target, payload and calendar structure.
// now is used by triggers that must lie in the future.
func Validate(s *Schedule, now time.Time) ValidationResult {
	var problems []string

	loc, err := s.Location()
	if err != nil {
		problems = append(problems, "Invalid timezone: "+s.Timezone)
		loc = time.UTC
	}

	if s.Trigger == nil {
		problems = append(problems, "Trigger is required")
	} else {
		problems = append(problems, s.Trigger.Validate(now, loc)...)
	}

	if s.Target == nil {
		problems = append(problems, "Target is required")
	} else {
		problems = append(problems, s.Target.Validate()...)
	}

	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		problems = append(problems, "Payload must be valid JSON")
	}

	if s.Calendar != nil && strings.TrimSpace(s.Calendar.Key) == "" {
		problems = append(problems, "Calendar key is required")
	}

	return ValidationResult{Valid: len(problems) == 0, Errors: nonNil(problems)}
}

// validateForWrite adds the checks that only apply to persisted schedules.
func validateForWrite(s *Schedule, now time.Time) error {
	res := Validate(s, now)
	problems := res.Errors
	if strings.TrimSpace(s.Name) == "" {
		problems = append([]string{"Name is required"}, problems...)
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Mark(&ValidationError{Messages: problems}, errors.ErrInvalidRequest)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
