// Package calendar holds named business-day calendars that shift trigger
// results off weekends and holidays.
package calendar

import (
	"time"

	"github.com/teranos/tock/errors"
)

// DateLayout is the holiday date format.
const DateLayout = "2006-01-02"

// DefaultBusinessDays is Monday through Friday.
var DefaultBusinessDays = []int{1, 2, 3, 4, 5}

// Calendar is a holiday set plus a weekday mask. An empty TenantID marks a
// global calendar visible to every tenant.
type Calendar struct {
	ID           string    `json:"id" yaml:"-"`
	TenantID     string    `json:"tenantId,omitempty" yaml:"tenant,omitempty"`
	Key          string    `json:"key" yaml:"key"`
	Name         string    `json:"name" yaml:"name"`
	Holidays     []string  `json:"holidays" yaml:"holidays"`
	BusinessDays []int     `json:"businessDays" yaml:"business_days"`
	Version      int64     `json:"version" yaml:"-"`
	CreatedAt    time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time `json:"updatedAt" yaml:"-"`
}

// IsBusinessDay reports whether day (interpreted in its own location) is
// inside the weekday mask and not a holiday.
func (c *Calendar) IsBusinessDay(day time.Time) bool {
	days := c.BusinessDays
	if len(days) == 0 {
		days = DefaultBusinessDays
	}

	wd := int(day.Weekday())
	allowed := false
	for _, d := range days {
		if d == wd {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	date := day.Format(DateLayout)
	for _, h := range c.Holidays {
		if h == date {
			return false
		}
	}
	return true
}

// Validate checks the calendar definition and fills the default mask.
func (c *Calendar) Validate() error {
	if c.Key == "" {
		return errors.NewInvalidRequestError("calendar key is required")
	}
	for _, h := range c.Holidays {
		if _, err := time.Parse(DateLayout, h); err != nil {
			return errors.NewInvalidRequestError("calendar %s: invalid holiday %q (want YYYY-MM-DD)", c.Key, h)
		}
	}
	if len(c.BusinessDays) == 0 {
		c.BusinessDays = append([]int(nil), DefaultBusinessDays...)
	}
	for _, d := range c.BusinessDays {
		if d < 0 || d > 6 {
			return errors.NewInvalidRequestError("calendar %s: invalid weekday %d (0 = Sunday .. 6 = Saturday)", c.Key, d)
		}
	}
	return nil
}
