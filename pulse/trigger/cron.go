package trigger

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/tock/errors"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses expr with the parser NextFireTime uses.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid cron expression %q", expr), ErrInvalidTrigger)
	}
	return sched, nil
}

func (c Cron) Validate(time.Time, *time.Location) []string {
	if strings.TrimSpace(c.Expression) == "" {
		return []string{"CRON expression is required"}
	}
	if _, err := cronParser.Parse(strings.TrimSpace(c.Expression)); err != nil {
		return []string{"Invalid CRON expression: " + err.Error()}
	}
	return nil
}

func (c Cron) next(ref time.Time, loc *time.Location) (*time.Time, error) {
	sched, err := ParseCron(c.Expression)
	if err != nil {
		return nil, err
	}
	// robfig evaluates in the location of its argument
	next := sched.Next(ref.In(loc))
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}
