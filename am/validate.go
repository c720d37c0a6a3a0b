package am

import (
	"net/url"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/internal/tzname"
)

// Validate checks that the configuration is valid.
// Zero means zero: a zero interval disables the loop, negative is invalid.
func (c *Config) Validate() error {
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be between 1 and 65535, got %d", *c.Server.Port)
	}

	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.BatchLimit < 0 {
		return errors.Newf("pulse.batch_limit must be >= 0, got %d", c.Pulse.BatchLimit)
	}
	if c.Pulse.ReaperIntervalSeconds < 0 {
		return errors.Newf("pulse.reaper_interval_seconds must be >= 0, got %d", c.Pulse.ReaperIntervalSeconds)
	}
	if c.Pulse.StaleWorkerSeconds < 0 {
		return errors.Newf("pulse.stale_worker_seconds must be >= 0, got %d", c.Pulse.StaleWorkerSeconds)
	}
	if c.Pulse.LeaseTTLSeconds < 0 {
		return errors.Newf("pulse.lease_ttl_seconds must be >= 0, got %d", c.Pulse.LeaseTTLSeconds)
	}
	if c.Pulse.DefaultMaxAttempts < 0 {
		return errors.Newf("pulse.default_max_attempts must be >= 0, got %d", c.Pulse.DefaultMaxAttempts)
	}
	if c.Pulse.DefaultTimeoutSeconds < 0 {
		return errors.Newf("pulse.default_timeout_seconds must be >= 0, got %d", c.Pulse.DefaultTimeoutSeconds)
	}
	if c.Pulse.DispatchTimeoutSeconds < 0 {
		return errors.Newf("pulse.dispatch_timeout_seconds must be >= 0, got %d", c.Pulse.DispatchTimeoutSeconds)
	}
	if c.Pulse.DispatchConcurrency < 0 {
		return errors.Newf("pulse.dispatch_concurrency must be >= 0, got %d", c.Pulse.DispatchConcurrency)
	}
	if c.Pulse.DefaultTimezone != "" {
		if err := tzname.Validate(c.Pulse.DefaultTimezone); err != nil {
			return errors.Wrapf(err, "pulse.default_timezone %q", c.Pulse.DefaultTimezone)
		}
	}

	if c.Worker.MaxParallel < 0 {
		return errors.Newf("worker.max_parallel must be >= 0, got %d", c.Worker.MaxParallel)
	}
	if c.Worker.MaxParallel > 0 && c.Worker.PollIntervalMS <= 0 {
		return errors.Newf("worker.poll_interval_ms must be > 0 when workers are enabled, got %d", c.Worker.PollIntervalMS)
	}
	if c.Worker.HeartbeatIntervalSeconds < 0 {
		return errors.Newf("worker.heartbeat_interval_seconds must be >= 0, got %d", c.Worker.HeartbeatIntervalSeconds)
	}

	if c.Redis.URL != "" {
		u, err := url.Parse(c.Redis.URL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return errors.Newf("redis.url must be a redis:// or rediss:// URL, got %q", c.Redis.URL)
		}
	}

	if c.HTTP.MaxRequestsPerMinute < 0 {
		return errors.Newf("http.max_requests_per_minute must be >= 0, got %d", c.HTTP.MaxRequestsPerMinute)
	}
	if c.HTTP.TimeoutSeconds < 0 {
		return errors.Newf("http.timeout_seconds must be >= 0, got %d", c.HTTP.TimeoutSeconds)
	}

	if c.Calendars.Watch && c.Calendars.File == "" {
		return errors.New("calendars.watch requires calendars.file")
	}

	return nil
}
