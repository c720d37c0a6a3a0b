package calendar

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
)

// Watcher re-syncs calendars whenever the calendars file changes.
// The parent directory is watched so editors that replace the file
// (write to temp, rename) are still seen.
type Watcher struct {
	path           string
	service        *Service
	watcher        *fsnotify.Watcher
	logger         *zap.SugaredLogger
	debouncePeriod time.Duration

	mu            sync.Mutex
	debounceTimer *time.Timer
	stopped       bool
	reloadMu      sync.Mutex // held while a debounced reload runs
	done          chan struct{}
	wg            sync.WaitGroup
}

// NewWatcher creates a watcher for the calendars file at path.
func NewWatcher(path string, service *Service, log *zap.SugaredLogger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid calendars path %s", path)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}

	return &Watcher{
		path:           abs,
		service:        service,
		watcher:        fw,
		logger:         logger.AddCalendarSymbol(log),
		debouncePeriod: 500 * time.Millisecond,
		done:           make(chan struct{}),
	}, nil
}

// Start begins watching. Reloads run with ctx.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.watchLoop(ctx)
	w.logger.Infow("Calendar watcher started", "path", w.path)
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debugw("Calendar file changed", "op", event.Op.String())
				w.scheduleReload(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Calendar watcher error", "error", err)
		}
	}
}

// scheduleReload debounces bursts of events into a single reload.
func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, func() {
		w.reloadMu.Lock()
		defer w.reloadMu.Unlock()

		w.mu.Lock()
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		if err := w.Reload(ctx); err != nil {
			w.logger.Errorw("Calendar reload failed", "error", err)
		}
	})
}

// Reload loads the file and syncs it into the store.
func (w *Watcher) Reload(ctx context.Context) error {
	calendars, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	_, err = w.service.Sync(ctx, calendars)
	return err
}

// Stop stops watching and waits for an in-flight reload to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	// wait out a reload that was already running
	w.reloadMu.Lock()
	w.reloadMu.Unlock() //nolint:staticcheck
	return err
}
