package am

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/teranos/tock/errors"
)

const maxBackups = 3

// createBackup rotates path.back1..back3 and copies path to .back1.
// A missing file needs no backup.
func createBackup(configPath string) error {
	content, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	backup := func(n int) string { return configPath + ".back" + strconv.Itoa(n) }

	if err := os.Remove(backup(maxBackups)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", backup(maxBackups))
	}
	for n := maxBackups - 1; n >= 1; n-- {
		if _, err := os.Stat(backup(n)); err != nil {
			continue
		}
		if err := os.Rename(backup(n), backup(n+1)); err != nil {
			return errors.Wrapf(err, "failed to rotate .back%d to .back%d", n, n+1)
		}
	}

	if err := os.WriteFile(backup(1), content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

// DefaultConfig returns the configuration produced by defaults alone
func DefaultConfig() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return LoadWithViper(v)
}

// Init writes a config file holding every default. An existing file is
// left alone unless force is set, in which case it is backed up first.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return errors.Newf("%s already exists (use --force to overwrite)", configPath)
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return err
	}
	return Save(cfg, configPath)
}

// Save validates cfg and writes it to configPath as TOML, keeping backups
// of the previous contents.
func Save(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid config")
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	return writeConfigFile(configPath, data)
}

// SetValue sets a single dotted key (e.g. "pulse.batch_limit") in the TOML
// file at configPath, creating the file if needed. The resulting file must
// still load as a valid configuration.
func SetValue(configPath, key, raw string) error {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return errors.Newf("invalid config key %q", key)
		}
	}

	doc := map[string]interface{}{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &doc); err != nil {
			return errors.Wrapf(err, "failed to parse %s", configPath)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read %s", configPath)
	}

	section := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := section[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			section[p] = next
		}
		section = next
	}
	section[parts[len(parts)-1]] = parseValue(raw)

	data, err := toml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("toml")
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return errors.Wrap(err, "failed to re-read updated config")
	}
	if _, err := LoadWithViper(v); err != nil {
		return errors.Wrapf(err, "setting %s=%s", key, raw)
	}

	return writeConfigFile(configPath, data)
}

// parseValue turns CLI text into a TOML scalar: booleans, integers, and
// comma separated lists in brackets; anything else stays a string.
func parseValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		inner := strings.TrimSpace(raw[1 : len(raw)-1])
		items := []string{}
		if inner != "" {
			for _, item := range strings.Split(inner, ",") {
				items = append(items, strings.Trim(strings.TrimSpace(item), `"`))
			}
		}
		return items
	}
	return raw
}

func writeConfigFile(configPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}
	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}
	return nil
}
