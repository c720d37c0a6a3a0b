package calendar

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
)

// Service resolves calendars for trigger evaluation. Resolved calendars are
// cached until the next Sync.
type Service struct {
	store  *Store
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	cache map[string]*Calendar
}

// NewService creates a calendar service
func NewService(store *Store, log *zap.SugaredLogger) *Service {
	return &Service{
		store:  store,
		logger: logger.AddCalendarSymbol(log),
		cache:  make(map[string]*Calendar),
	}
}

// Resolve returns the calendar key as seen by tenantID. A calendar owned by
// another tenant is reported as not found.
func (s *Service) Resolve(ctx context.Context, tenantID, key string) (*Calendar, error) {
	s.mu.RLock()
	c, ok := s.cache[key]
	s.mu.RUnlock()

	if !ok {
		var err error
		c, err = s.store.GetByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[key] = c
		s.mu.Unlock()
	}

	if c.TenantID != "" && c.TenantID != tenantID {
		return nil, errors.NewNotFoundError("calendar not found: %s", key)
	}
	return c, nil
}

// List returns the calendars visible to tenantID.
func (s *Service) List(ctx context.Context, tenantID string) ([]*Calendar, error) {
	return s.store.List(ctx, tenantID)
}

// Sync upserts every calendar and drops the cache. Invalid definitions are
// skipped and reported; the rest still apply.
func (s *Service) Sync(ctx context.Context, calendars []Calendar) (int, error) {
	var errs error
	applied := 0
	for i := range calendars {
		c := calendars[i]
		created, err := s.store.Upsert(ctx, &c)
		if err != nil {
			s.logger.Warnw("Calendar sync skipped entry", "key", c.Key, "error", err)
			errs = errors.CombineErrors(errs, err)
			continue
		}
		applied++
		s.logger.Debugw("Calendar synced", "key", c.Key, "created", created, "version", c.Version)
	}

	s.mu.Lock()
	s.cache = make(map[string]*Calendar)
	s.mu.Unlock()

	s.logger.Infow("Calendars synced", "applied", applied, "total", len(calendars))
	return applied, errs
}
