// Package target performs the side effect of a firing: publish an event,
// call an HTTP endpoint, or push onto a work queue.
package target

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/tock/errors"
)

// Kind discriminates target variants.
type Kind string

const (
	KindEvent Kind = "event"
	KindHTTP  Kind = "http"
	KindQueue Kind = "queue"
)

// ErrInvalidTarget marks target definitions that cannot be decoded.
var ErrInvalidTarget = errors.New("invalid target")

// Target is implemented only by the variants in this package.
type Target interface {
	Kind() Kind
	// Validate returns every structural problem, not just the first.
	Validate() []string
}

// Event publishes a normalized event envelope on Topic.
type Event struct {
	Topic string `json:"topic"`
}

// HTTP calls URL with Method (POST when empty), sending the schedule payload
// as the body.
type HTTP struct {
	URL        string            `json:"url"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
}

// Queue pushes a work message onto Topic.
type Queue struct {
	Topic string `json:"topic"`
}

func (Event) Kind() Kind { return KindEvent }
func (HTTP) Kind() Kind  { return KindHTTP }
func (Queue) Kind() Kind { return KindQueue }

func (e Event) Validate() []string {
	if strings.TrimSpace(e.Topic) == "" {
		return []string{"Event topic is required"}
	}
	return nil
}

func (q Queue) Validate() []string {
	if strings.TrimSpace(q.Topic) == "" {
		return []string{"Queue topic is required"}
	}
	return nil
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func (h HTTP) Validate() []string {
	var errs []string
	if strings.TrimSpace(h.URL) == "" {
		errs = append(errs, "URL is required")
	} else if u, err := url.Parse(h.URL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, "Invalid URL: "+h.URL)
	}
	if h.Method != "" && !allowedMethods[strings.ToUpper(h.Method)] {
		errs = append(errs, "Unsupported HTTP method: "+h.Method)
	}
	if h.TimeoutSec < 0 {
		errs = append(errs, "Timeout must not be negative")
	}
	return errs
}

// MethodOrDefault returns the upper-cased method, POST when unset.
func (h HTTP) MethodOrDefault() string {
	if h.Method == "" {
		return http.MethodPost
	}
	return strings.ToUpper(h.Method)
}

// Firing is one dispatch of a schedule (or retry run) to its target.
type Firing struct {
	ScheduleID    string
	TenantID      string
	RunID         string
	CorrelationID string
	Attempt       int
	FiredAt       time.Time
	Payload       json.RawMessage
	Target        Target
}
