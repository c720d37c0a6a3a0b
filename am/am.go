// Package am loads tock's configuration: TOML files merged system, user and
// project, then TOCK_* environment variables on top.
package am

import "time"

// Config represents the tock configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Pulse     PulseConfig     `mapstructure:"pulse" toml:"pulse"`
	Worker    WorkerConfig    `mapstructure:"worker" toml:"worker"`
	Redis     RedisConfig     `mapstructure:"redis" toml:"redis"`
	HTTP      HTTPConfig      `mapstructure:"http" toml:"http"`
	Calendars CalendarsConfig `mapstructure:"calendars" toml:"calendars"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the admin API server
type ServerConfig struct {
	Host           string   `mapstructure:"host" toml:"host"`
	Port           *int     `mapstructure:"port" toml:"port,omitempty"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// DefaultServerPort is used when server.port is not set.
const DefaultServerPort = 8877

// PulseConfig configures the ticker, reaper and run policy defaults
type PulseConfig struct {
	TickerIntervalSeconds  int    `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds"`   // how often due schedules are polled (default: 1)
	BatchLimit             int    `mapstructure:"batch_limit" toml:"batch_limit"`                           // due schedules fired per tick (default: 100)
	ReaperIntervalSeconds  int    `mapstructure:"reaper_interval_seconds" toml:"reaper_interval_seconds"`   // 0 disables the reaper
	StaleWorkerSeconds     int    `mapstructure:"stale_worker_seconds" toml:"stale_worker_seconds"`         // heartbeat age before a worker is offline
	LeaseTTLSeconds        int    `mapstructure:"lease_ttl_seconds" toml:"lease_ttl_seconds"`               // minimum lease on a claimed run
	DefaultMaxAttempts     int    `mapstructure:"default_max_attempts" toml:"default_max_attempts"`         // runs without a job policy
	DefaultTimeoutSeconds  int    `mapstructure:"default_timeout_seconds" toml:"default_timeout_seconds"`   // runs without a job policy
	DispatchTimeoutSeconds int    `mapstructure:"dispatch_timeout_seconds" toml:"dispatch_timeout_seconds"` // bound on one target dispatch
	DispatchConcurrency    int    `mapstructure:"dispatch_concurrency" toml:"dispatch_concurrency"`         // due schedules dispatched at once per tick
	DefaultTimezone        string `mapstructure:"default_timezone" toml:"default_timezone"`                 // used by the CLI when --tz is omitted
}

// WorkerConfig configures the local worker pool started by `tock pulse start`
type WorkerConfig struct {
	Name                     string   `mapstructure:"name" toml:"name"` // empty = hostname
	TenantID                 string   `mapstructure:"tenant_id" toml:"tenant_id"`
	MaxParallel              int      `mapstructure:"max_parallel" toml:"max_parallel"` // 0 = no local worker
	Capabilities             []string `mapstructure:"capabilities" toml:"capabilities"`
	PollIntervalMS           int      `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	HeartbeatIntervalSeconds int      `mapstructure:"heartbeat_interval_seconds" toml:"heartbeat_interval_seconds"`
}

// RedisConfig locates the event bus and work queue used by event and queue targets
type RedisConfig struct {
	URL           string `mapstructure:"url" toml:"url"` // empty = event and queue targets unavailable
	ChannelPrefix string `mapstructure:"channel_prefix" toml:"channel_prefix"`
	QueuePrefix   string `mapstructure:"queue_prefix" toml:"queue_prefix"`
}

// HTTPConfig configures the webhook target executor
type HTTPConfig struct {
	MaxRequestsPerMinute int  `mapstructure:"max_requests_per_minute" toml:"max_requests_per_minute"` // 0 = unlimited
	TimeoutSeconds       int  `mapstructure:"timeout_seconds" toml:"timeout_seconds"`                 // default per-call timeout
	AllowPrivate         bool `mapstructure:"allow_private" toml:"allow_private"`                     // allow loopback/private targets
}

// CalendarsConfig points at the business-day calendar definitions
type CalendarsConfig struct {
	File  string `mapstructure:"file" toml:"file"`   // YAML file synced into the database
	Watch bool   `mapstructure:"watch" toml:"watch"` // re-sync when the file changes
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// TickerInterval returns the ticker poll interval.
func (p PulseConfig) TickerInterval() time.Duration { return seconds(p.TickerIntervalSeconds) }

// ReaperInterval returns the reaper pass interval.
func (p PulseConfig) ReaperInterval() time.Duration { return seconds(p.ReaperIntervalSeconds) }

// StaleThreshold returns the heartbeat age after which workers go offline.
func (p PulseConfig) StaleThreshold() time.Duration { return seconds(p.StaleWorkerSeconds) }

// LeaseTTL returns the minimum lease granted on claim.
func (p PulseConfig) LeaseTTL() time.Duration { return seconds(p.LeaseTTLSeconds) }

// DispatchTimeout returns the bound on a single target dispatch.
func (p PulseConfig) DispatchTimeout() time.Duration { return seconds(p.DispatchTimeoutSeconds) }

// PollInterval returns the worker claim poll interval.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the worker heartbeat interval.
func (w WorkerConfig) HeartbeatInterval() time.Duration { return seconds(w.HeartbeatIntervalSeconds) }
