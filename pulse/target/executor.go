package target

import (
	"context"
	"sync"

	"github.com/teranos/tock/errors"
)

// Executor performs the side effect for one target kind.
type Executor interface {
	Execute(ctx context.Context, f Firing) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, f Firing) error

func (fn ExecutorFunc) Execute(ctx context.Context, f Firing) error { return fn(ctx, f) }

// Registry routes firings to the executor registered for the target kind.
type Registry struct {
	mu        sync.RWMutex
	executors map[Kind]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[Kind]Executor)}
}

// Register installs the executor for kind, replacing any previous one.
func (r *Registry) Register(kind Kind, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = exec
}

// Has reports whether an executor is registered for kind.
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Dispatch executes f with the matching executor. Every failure, including
// a missing executor, is marked errors.ErrExecutor.
func (r *Registry) Dispatch(ctx context.Context, f Firing) error {
	if f.Target == nil {
		return errors.Mark(errors.Newf("run %s has no target", f.RunID), errors.ErrExecutor)
	}

	r.mu.RLock()
	exec, ok := r.executors[f.Target.Kind()]
	r.mu.RUnlock()
	if !ok {
		err := errors.Newf("no executor registered for target kind %q", f.Target.Kind())
		return errors.Mark(errors.Mark(err, errors.ErrServiceUnavailable), errors.ErrExecutor)
	}

	if err := exec.Execute(ctx, f); err != nil {
		if errors.Is(err, errors.ErrExecutor) {
			return err
		}
		return errors.Mark(errors.Wrapf(err, "%s target failed", f.Target.Kind()), errors.ErrExecutor)
	}
	return nil
}
