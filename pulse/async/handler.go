package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/tock/errors"
)

// JobHandler executes runs of one job key. Handlers decode run.Payload
// themselves and must return when ctx is cancelled.
type JobHandler interface {
	Execute(ctx context.Context, run *Run) error

	// Name is the job key this handler serves (e.g. "billing.invoice").
	Name() string
}

// HandlerFunc adapts a function to JobHandler under a fixed name.
type HandlerFunc struct {
	Key string
	Fn  func(ctx context.Context, run *Run) error
}

func (h HandlerFunc) Execute(ctx context.Context, run *Run) error { return h.Fn(ctx, run) }
func (h HandlerFunc) Name() string                                { return h.Key }

// HandlerRegistry maps job keys to handlers. Safe for concurrent use.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for job key: %s", name))
	}
	r.handlers[name] = handler
}

// Get returns the handler for a job key, or nil.
func (r *HandlerRegistry) Get(jobKey string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobKey]
}

// Has checks if a handler is registered for a job key.
func (r *HandlerRegistry) Has(jobKey string) bool {
	return r.Get(jobKey) != nil
}

// Names returns all registered job keys, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScheduleDispatcher re-dispatches the target of the schedule a retry run
// belongs to, without touching the schedule's cadence.
type ScheduleDispatcher interface {
	DispatchRun(ctx context.Context, run *Run) error
}

// RunExecutor routes a claimed run: schedule runs go to the dispatcher, job
// runs to the handler registered for their job key.
type RunExecutor struct {
	dispatcher ScheduleDispatcher
	handlers   *HandlerRegistry
}

// NewRunExecutor creates an executor. Either dependency may be nil when the
// process does not serve that kind of run.
func NewRunExecutor(dispatcher ScheduleDispatcher, handlers *HandlerRegistry) *RunExecutor {
	return &RunExecutor{dispatcher: dispatcher, handlers: handlers}
}

// Execute runs one attempt. Panics in handlers are returned as errors.
func (e *RunExecutor) Execute(ctx context.Context, run *Run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("run %s panicked: %v", run.ID, p)
		}
	}()

	switch {
	case run.ScheduleID != nil:
		if e.dispatcher == nil {
			return errors.Mark(errors.Newf("no schedule dispatcher for run %s", run.ID), errors.ErrServiceUnavailable)
		}
		return e.dispatcher.DispatchRun(ctx, run)
	case run.JobKey != "":
		var h JobHandler
		if e.handlers != nil {
			h = e.handlers.Get(run.JobKey)
		}
		if h == nil {
			return errors.Mark(errors.Newf("no handler registered for job key: %s", run.JobKey), errors.ErrServiceUnavailable)
		}
		return h.Execute(ctx, run)
	default:
		return errors.Newf("run %s has neither schedule nor job", run.ID)
	}
}
