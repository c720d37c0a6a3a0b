package am

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

var defaultAllowedOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "tock.db")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", defaultAllowedOrigins)

	v.SetDefault("pulse.ticker_interval_seconds", 1)
	v.SetDefault("pulse.batch_limit", 100)
	v.SetDefault("pulse.reaper_interval_seconds", 30)
	v.SetDefault("pulse.stale_worker_seconds", 90)
	v.SetDefault("pulse.lease_ttl_seconds", 60)
	v.SetDefault("pulse.default_max_attempts", 3)
	v.SetDefault("pulse.default_timeout_seconds", 300)
	v.SetDefault("pulse.dispatch_timeout_seconds", 30)
	v.SetDefault("pulse.dispatch_concurrency", 8)
	v.SetDefault("pulse.default_timezone", "UTC")

	v.SetDefault("worker.max_parallel", 4)
	v.SetDefault("worker.capabilities", []string{})
	v.SetDefault("worker.poll_interval_ms", 500)
	v.SetDefault("worker.heartbeat_interval_seconds", 15)

	v.SetDefault("redis.channel_prefix", "tock.events.")
	v.SetDefault("redis.queue_prefix", "tock.queue.")

	v.SetDefault("http.max_requests_per_minute", 60)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.allow_private", false)

	v.SetDefault("calendars.watch", false)
}

// BindSensitiveEnvVars explicitly binds configuration that usually comes
// from the deployment environment rather than a file
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "TOCK_DATABASE_PATH")
	v.BindEnv("redis.url", "TOCK_REDIS_URL", "REDIS_URL")
	v.BindEnv("worker.name", "TOCK_WORKER_NAME")
}

// GetServerPort returns the configured admin API port
// Returns server.port from config, or DefaultServerPort if not configured
func GetServerPort() int {
	cfg, err := Load()
	if err != nil {
		return DefaultServerPort
	}
	return cfg.ServerPort()
}

// ServerPort returns server.port or DefaultServerPort when unset
func (c *Config) ServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// ServerAddr returns host:port for the admin API listener
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.ServerPort())
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "tock.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return defaultAllowedOrigins
	}
	return c.Server.AllowedOrigins
}

// WorkerName returns worker.name or the hostname
func (c *Config) WorkerName() string {
	if c.Worker.Name != "" {
		return c.Worker.Name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "tock-worker"
	}
	return host
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: %s, Pulse: {Interval: %ds, Batch: %d}, Worker: {MaxParallel: %d}}",
		c.Database.Path, c.ServerAddr(), c.Pulse.TickerIntervalSeconds, c.Pulse.BatchLimit, c.Worker.MaxParallel)
}
