package commands

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/pulse/calendar"
	"github.com/teranos/tock/pulse/schedule"
	"github.com/teranos/tock/pulse/target"
	"github.com/teranos/tock/pulse/workers"
)

// services is the object graph shared by the daemon, the admin API and the
// one-shot CLI commands.
type services struct {
	cfg       *am.Config
	db        *sql.DB
	targets   *target.Registry
	bus       *target.RedisBus // nil without redis.url
	calendars *calendar.Service
	schedules *schedule.Service
	workers   *workers.Registry
	tracker   *async.Tracker
}

// openServices loads config, opens the database and wires the services.
// With connectBus the Redis bus is dialed and event and queue executors are
// registered; commands that never dispatch skip it.
func openServices(ctx context.Context, connectBus bool) (*services, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}

	svc, err := newServices(ctx, cfg, database, logger.Logger, connectBus)
	if err != nil {
		database.Close()
		return nil, err
	}
	return svc, nil
}

func newServices(ctx context.Context, cfg *am.Config, database *sql.DB, log *zap.SugaredLogger, connectBus bool) (*services, error) {
	s := &services{cfg: cfg, db: database, targets: target.NewRegistry()}

	s.targets.Register(target.KindHTTP, target.NewHTTPExecutor(target.HTTPConfig{
		DefaultTimeout:    time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
		RequestsPerMinute: cfg.HTTP.MaxRequestsPerMinute,
		AllowPrivate:      cfg.HTTP.AllowPrivate,
	}))

	if connectBus {
		if cfg.Redis.URL == "" {
			log.Warnw("redis.url not set, event and queue targets will fail until configured")
		} else {
			bus := target.NewRedisBus(target.RedisConfig{
				URL:           cfg.Redis.URL,
				ChannelPrefix: cfg.Redis.ChannelPrefix,
				QueuePrefix:   cfg.Redis.QueuePrefix,
			}, log.Named("redis"))
			if err := bus.Connect(ctx); err != nil {
				return nil, err
			}
			s.bus = bus
			s.targets.Register(target.KindEvent, target.NewEventExecutor(bus))
			s.targets.Register(target.KindQueue, target.NewQueueExecutor(bus))
		}
	}

	s.calendars = calendar.NewService(calendar.NewStore(database), log)
	s.schedules = schedule.NewService(schedule.NewStore(database), s.calendars, s.targets, log)
	s.schedules.SetDispatchTimeout(cfg.Pulse.DispatchTimeout())

	s.workers = workers.NewRegistry(database, log)
	s.tracker = async.NewTracker(database, s.workers, async.TrackerConfig{
		DefaultMaxAttempts: cfg.Pulse.DefaultMaxAttempts,
		DefaultTimeoutSec:  int64(cfg.Pulse.DefaultTimeoutSeconds),
	}, log)
	s.schedules.SetJobPolicies(s.tracker)
	return s, nil
}

// Close releases the bus and the database.
func (s *services) Close() error {
	var err error
	if s.bus != nil {
		err = s.bus.Close()
	}
	return errors.CombineErrors(err, s.db.Close())
}
