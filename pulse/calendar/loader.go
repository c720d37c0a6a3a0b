package calendar

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/teranos/tock/errors"
)

// File is the on-disk calendars document:
//
//	calendars:
//	  - key: us-federal
//	    name: US Federal
//	    business_days: [1, 2, 3, 4, 5]
//	    holidays: ["2026-01-01", "2026-07-03"]
type File struct {
	Calendars []Calendar `yaml:"calendars"`
}

// LoadFile reads and validates a calendars YAML file.
func LoadFile(path string) ([]Calendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read calendars file %s", path)
	}
	return Parse(data)
}

// Parse decodes a calendars document. Duplicate keys are rejected.
func Parse(data []byte) ([]Calendar, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid calendars YAML"), errors.ErrInvalidRequest)
	}

	seen := make(map[string]bool, len(f.Calendars))
	for i := range f.Calendars {
		c := &f.Calendars[i]
		if err := c.Validate(); err != nil {
			return nil, errors.Wrapf(err, "calendar #%d", i+1)
		}
		if seen[c.Key] {
			return nil, errors.NewInvalidRequestError("duplicate calendar key %q", c.Key)
		}
		seen[c.Key] = true
	}
	return f.Calendars, nil
}
