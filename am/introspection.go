package am

import (
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/tock/errors"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/tock/tock.toml
	SourceUser        ConfigSource = "user"        // ~/.tock/am.toml
	SourceProject     ConfigSource = "project"     // tock.toml or am.toml above the working directory
	SourceEnvironment ConfigSource = "environment" // TOCK_* env vars
)

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"` // file path or env var name
}

// ConfigIntrospection lists every effective setting with its origin
type ConfigIntrospection struct {
	Settings []SettingInfo         `json:"settings"`
	Counts   map[ConfigSource]int `json:"counts"`
}

// GetConfigIntrospection describes the active configuration using the
// sources tracked while it was loaded
func GetConfigIntrospection() (*ConfigIntrospection, error) {
	if _, err := Load(); err != nil {
		return nil, errors.Wrap(err, "failed to load config for introspection")
	}

	configSourcesMu.RLock()
	sources := make(map[string]SourceInfo, len(ConfigSources))
	for k, v := range ConfigSources {
		sources[k] = v
	}
	configSourcesMu.RUnlock()

	return Introspect(GetViper(), sources), nil
}

// Introspect flattens v's settings in key order and attributes each one to
// the environment, a tracked file, or the built-in defaults
func Introspect(v *viper.Viper, sources map[string]SourceInfo) *ConfigIntrospection {
	intro := &ConfigIntrospection{
		Settings: []SettingInfo{},
		Counts:   map[ConfigSource]int{},
	}

	keys := v.AllKeys()
	sort.Strings(keys)

	for _, key := range keys {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := sources[key]; ok {
			info = si
		}
		if envKey, ok := envOverride(key); ok {
			info = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}

		intro.Settings = append(intro.Settings, SettingInfo{
			Key:        key,
			Value:      v.Get(key),
			Source:     info.Source,
			SourcePath: info.Path,
		})
		intro.Counts[info.Source]++
	}

	return intro
}

// envOverride reports the TOCK_* variable overriding key, if one is set
func envOverride(key string) (string, bool) {
	envKey := "TOCK_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if os.Getenv(envKey) != "" {
		return envKey, true
	}
	if key == "redis.url" && os.Getenv("REDIS_URL") != "" {
		return "REDIS_URL", true
	}
	return "", false
}
