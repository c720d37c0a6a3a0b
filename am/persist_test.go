package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and the system dir at temp dirs and clears cached state.
func isolate(t *testing.T) (home, system string) {
	t.Helper()
	home = t.TempDir()
	system = t.TempDir()
	t.Setenv("HOME", home)

	prev := systemConfigDir
	systemConfigDir = system
	Reset()
	t.Cleanup(func() {
		systemConfigDir = prev
		Reset()
	})
	return home, system
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestMergeConfigFiles_TracksSources(t *testing.T) {
	home, system := isolate(t)
	t.Chdir(t.TempDir())

	write(t, filepath.Join(system, "tock.toml"), "[pulse]\nbatch_limit = 10\nlease_ttl_seconds = 120\n")
	write(t, filepath.Join(home, ".tock", "am.toml"), "[pulse]\nbatch_limit = 20\n")

	v := viper.New()
	SetDefaults(v)
	mergeConfigFiles(v)

	assert.Equal(t, 20, v.GetInt("pulse.batch_limit"))
	assert.Equal(t, 120, v.GetInt("pulse.lease_ttl_seconds"))

	info, ok := sourceOf("pulse.batch_limit")
	require.True(t, ok)
	assert.Equal(t, SourceUser, info.Source)

	info, ok = sourceOf("pulse.lease_ttl_seconds")
	require.True(t, ok)
	assert.Equal(t, SourceSystem, info.Source)

	_, ok = sourceOf("pulse.reaper_interval_seconds")
	assert.False(t, ok, "defaults are not tracked as file sources")
}

func TestLoad_ProjectAndEnvironmentPrecedence(t *testing.T) {
	home, _ := isolate(t)
	project := t.TempDir()
	t.Chdir(project)

	write(t, filepath.Join(home, ".tock", "am.toml"), "[worker]\nmax_parallel = 2\n[http]\ntimeout_seconds = 5\n")
	write(t, filepath.Join(project, "tock.toml"), "[worker]\nmax_parallel = 8\n")
	t.Setenv("TOCK_HTTP_TIMEOUT_SECONDS", "9")
	t.Setenv("TOCK_REDIS_URL", "redis://cache:6379/1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Worker.MaxParallel)
	assert.Equal(t, 9, cfg.HTTP.TimeoutSeconds)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)

	intro, err := GetConfigIntrospection()
	require.NoError(t, err)

	byKey := map[string]SettingInfo{}
	for _, s := range intro.Settings {
		byKey[s.Key] = s
	}
	assert.Equal(t, SourceProject, byKey["worker.max_parallel"].Source)
	assert.Equal(t, SourceEnvironment, byKey["http.timeout_seconds"].Source)
	assert.Equal(t, "TOCK_HTTP_TIMEOUT_SECONDS", byKey["http.timeout_seconds"].SourcePath)
	assert.Equal(t, SourceDefault, byKey["pulse.batch_limit"].Source)
	assert.Greater(t, intro.Counts[SourceDefault], 0)
}

func TestLoad_InvalidFileIsRejected(t *testing.T) {
	home, _ := isolate(t)
	t.Chdir(t.TempDir())
	write(t, filepath.Join(home, ".tock", "am.toml"), "[server]\nport = 0\n")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port cannot be 0")
}

func TestInitAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "tock.toml")

	require.NoError(t, Init(path, false))
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Pulse.BatchLimit)
	assert.Equal(t, DefaultServerPort, cfg.ServerPort())

	err = Init(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, Init(path, true))
	assert.FileExists(t, path+".back1")

	cfg.Pulse.BatchLimit = -1
	assert.Error(t, Save(cfg, path))
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tock.toml")

	require.NoError(t, SetValue(path, "pulse.batch_limit", "25"))
	require.NoError(t, SetValue(path, "http.allow_private", "true"))
	require.NoError(t, SetValue(path, "worker.capabilities", "[email, billing]"))
	require.NoError(t, SetValue(path, "redis.url", "redis://localhost:6379"))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Pulse.BatchLimit)
	assert.True(t, cfg.HTTP.AllowPrivate)
	assert.Equal(t, []string{"email", "billing"}, cfg.Worker.Capabilities)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)

	err = SetValue(path, "server.port", "0")
	require.Error(t, err)
	cfg, err = LoadFromFile(path)
	require.NoError(t, err, "a rejected value must not be written")
	assert.Equal(t, DefaultServerPort, cfg.ServerPort())

	assert.Error(t, SetValue(path, "pulse..batch_limit", "1"))
}

func TestCreateBackup_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tock.toml")
	require.NoError(t, createBackup(path), "missing file needs no backup")

	for _, content := range []string{"one", "two", "three", "four", "five"} {
		write(t, path, content)
		require.NoError(t, createBackup(path))
	}

	for n, want := range map[string]string{".back1": "five", ".back2": "four", ".back3": "three"} {
		got, err := os.ReadFile(path + n)
		require.NoError(t, err)
		assert.Equal(t, want, string(got), n)
	}
	assert.NoFileExists(t, path+".back4")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	write(t, envFile, "TOCK_TEST_DOTENV=from-file\nTOCK_TEST_PRESET=from-file\n")
	t.Setenv("TOCK_TEST_PRESET", "from-env")
	t.Setenv("TOCK_TEST_DOTENV", "")
	os.Unsetenv("TOCK_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("TOCK_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("TOCK_TEST_PRESET"))
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, int64(42), parseValue("42"))
	assert.Equal(t, []string{}, parseValue("[]"))
	assert.Equal(t, "Europe/Berlin", parseValue("Europe/Berlin"))
}
