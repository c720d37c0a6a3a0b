package am

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Database.Path != "tock.db" {
		t.Errorf("expected default database path 'tock.db', got %q", cfg.Database.Path)
	}
	if cfg.ServerPort() != DefaultServerPort {
		t.Errorf("expected default port %d, got %d", DefaultServerPort, cfg.ServerPort())
	}
	if cfg.Pulse.TickerInterval() != time.Second {
		t.Errorf("expected 1s ticker interval, got %s", cfg.Pulse.TickerInterval())
	}
	if cfg.Pulse.BatchLimit != 100 {
		t.Errorf("expected batch limit 100, got %d", cfg.Pulse.BatchLimit)
	}
	if cfg.Worker.PollInterval() != 500*time.Millisecond {
		t.Errorf("expected 500ms poll interval, got %s", cfg.Worker.PollInterval())
	}
	if cfg.Redis.ChannelPrefix != "tock.events." {
		t.Errorf("expected channel prefix tock.events., got %q", cfg.Redis.ChannelPrefix)
	}
	if cfg.ServerAddr() != "127.0.0.1:8877" {
		t.Errorf("expected 127.0.0.1:8877, got %q", cfg.ServerAddr())
	}
}

func TestValidate_ZeroValues(t *testing.T) {
	zero, negative, tooBig := 0, -1, 70000

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "empty config is valid", config: Config{}},
		{name: "zero ticker interval disables ticking", config: Config{Pulse: PulseConfig{TickerIntervalSeconds: 0}}},
		{name: "negative ticker interval", config: Config{Pulse: PulseConfig{TickerIntervalSeconds: -1}}, wantErr: "pulse.ticker_interval_seconds"},
		{name: "zero port", config: Config{Server: ServerConfig{Port: &zero}}, wantErr: "server.port cannot be 0"},
		{name: "negative port", config: Config{Server: ServerConfig{Port: &negative}}, wantErr: "server.port must be between"},
		{name: "port out of range", config: Config{Server: ServerConfig{Port: &tooBig}}, wantErr: "server.port must be between"},
		{name: "negative batch limit", config: Config{Pulse: PulseConfig{BatchLimit: -5}}, wantErr: "pulse.batch_limit"},
		{name: "negative dispatch concurrency", config: Config{Pulse: PulseConfig{DispatchConcurrency: -1}}, wantErr: "pulse.dispatch_concurrency"},
		{name: "bad default timezone", config: Config{Pulse: PulseConfig{DefaultTimezone: "Mars/Base"}}, wantErr: "pulse.default_timezone"},
		{name: "workers without poll interval", config: Config{Worker: WorkerConfig{MaxParallel: 2}}, wantErr: "worker.poll_interval_ms"},
		{name: "non-redis url", config: Config{Redis: RedisConfig{URL: "http://localhost:6379"}}, wantErr: "redis.url"},
		{name: "redis url", config: Config{Redis: RedisConfig{URL: "redis://localhost:6379/0"}}},
		{name: "negative rate limit", config: Config{HTTP: HTTPConfig{MaxRequestsPerMinute: -1}}, wantErr: "http.max_requests_per_minute"},
		{name: "watch without file", config: Config{Calendars: CalendarsConfig{Watch: true}}, wantErr: "calendars.watch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	if got := findProjectConfig(); got != "" && strings.HasPrefix(got, root) {
		t.Fatalf("expected no project config under %s, got %q", root, got)
	}

	amPath := filepath.Join(root, "a", "am.toml")
	if err := os.WriteFile(amPath, []byte("[pulse]\nbatch_limit = 5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := findProjectConfig(); got != amPath {
		t.Errorf("findProjectConfig() = %q, want %q", got, amPath)
	}

	tockPath := filepath.Join(root, "a", "tock.toml")
	if err := os.WriteFile(tockPath, []byte("[pulse]\nbatch_limit = 6\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := findProjectConfig(); got != tockPath {
		t.Errorf("tock.toml should win over am.toml, got %q", got)
	}
}

func TestConfigMethods(t *testing.T) {
	cfg := &Config{}
	if cfg.GetDatabasePath() != "tock.db" {
		t.Errorf("empty path should fall back to tock.db, got %q", cfg.GetDatabasePath())
	}
	if len(cfg.GetServerAllowedOrigins()) == 0 {
		t.Error("expected default allowed origins")
	}
	if cfg.WorkerName() == "" {
		t.Error("worker name should fall back to the hostname")
	}

	cfg.Worker.Name = "worker-7"
	if cfg.WorkerName() != "worker-7" {
		t.Errorf("WorkerName() = %q", cfg.WorkerName())
	}
	if !strings.Contains(cfg.String(), "MaxParallel") {
		t.Errorf("String() = %q", cfg.String())
	}
}
