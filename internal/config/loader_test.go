package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps user config files and data dirs out of the test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	SetConfigFile("")
	t.Cleanup(func() { SetConfigFile("") })
	return home
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		dataDir := t.TempDir()
		t.Setenv("GOFLOCK_DATA_DIR", dataDir)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, dataDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(dataDir, "claims"), cfg.Claims.Root)
		assert.Equal(t, filepath.Join(dataDir, "progress"), cfg.Journal.Dir)
		assert.Equal(t, filepath.Join(dataDir, "daemon-state.json"), cfg.State.Path)
		assert.Equal(t, filepath.Join(dataDir, "history.db"), cfg.History.Path)
		assert.True(t, cfg.History.Enabled)
		assert.Empty(t, cfg.History.URL)

		assert.Equal(t, 30*time.Minute, cfg.Claims.DefaultTTL)
		assert.Equal(t, 5, cfg.Claims.MaxAttempts)
		assert.Equal(t, 10*time.Second, cfg.Claims.IncompleteGrace)
		assert.Equal(t, 100*time.Millisecond, cfg.Claims.RetryBackoff)

		assert.Equal(t, "https://api.github.com", cfg.Scanner.APIURL)
		assert.Equal(t, "in-progress", cfg.Scanner.InProgressLabel)
		assert.Equal(t, "available", cfg.Scanner.AvailableLabel)
		assert.Equal(t, 2*time.Hour, cfg.Scanner.NoChangeRequestThreshold)
		assert.Equal(t, 24*time.Hour, cfg.Scanner.WithChangeRequestThreshold)
		assert.Equal(t, []string{"feature/issue-{id}", "**/issue-{id}", "**/issue-{id}-*"}, cfg.Scanner.BranchPatterns)
		assert.Equal(t, 5.0, cfg.Scanner.RateLimit)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Empty(t, ConfigFileUsed())
	})

	t.Run("DefaultDataDir", func(t *testing.T) {
		isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "claims"), cfg.Claims.Root)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"data_dir": "/srv/flock",
			"claims": map[string]any{
				"default_ttl": "45m",
				"root":        "/var/claims",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, 45*time.Minute, cfg.Claims.DefaultTTL)
		assert.Equal(t, "/var/claims", cfg.Claims.Root)
		assert.Equal(t, filepath.Join("/srv/flock", "progress"), cfg.Journal.Dir)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 5, cfg.Claims.MaxAttempts)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("GOFLOCK_CLAIM_TTL", "90s")
		t.Setenv("GOFLOCK_LOG_LEVEL", "warn")
		t.Setenv("GOFLOCK_REPO", "acme/widgets")
		t.Setenv("GOFLOCK_BRANCH_PATTERNS", "wip/{id},**/gh-{id}")
		t.Setenv("GOFLOCK_RATE_LIMIT", "2.5")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 90*time.Second, cfg.Claims.DefaultTTL)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "acme/widgets", cfg.Scanner.Repo)
		assert.Equal(t, []string{"wip/{id}", "**/gh-{id}"}, cfg.Scanner.BranchPatterns)
		assert.Equal(t, 2.5, cfg.Scanner.RateLimit)
	})

	t.Run("TokenFallback", func(t *testing.T) {
		isolate(t)
		t.Setenv("GOFLOCK_GITHUB_TOKEN", "")
		t.Setenv("GITHUB_TOKEN", "from-gh")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "from-gh", cfg.Scanner.Token)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		home := isolate(t)
		file := filepath.Join(home, "goflock.yaml")
		require.NoError(t, os.WriteFile(file, []byte("claims:\n  default_ttl: 10m\n  max_attempts: 9\nscanner:\n  repo: file/repo\n"), 0o644))
		SetConfigFile(file)
		t.Setenv("GOFLOCK_CLAIM_TTL", "20m")

		cfg, err := Load(ctx, map[string]any{"claims": map[string]any{"default_ttl": "30s"}})
		require.NoError(t, err)

		assert.Equal(t, 30*time.Second, cfg.Claims.DefaultTTL, "runtime beats env")
		assert.Equal(t, 9, cfg.Claims.MaxAttempts, "file beats default")
		assert.Equal(t, "file/repo", cfg.Scanner.Repo)
		assert.Equal(t, file, ConfigFileUsed())
	})

	t.Run("DiscoveredConfigFile", func(t *testing.T) {
		home := isolate(t)
		dir := filepath.Join(home, ".config", "goflock")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "goflock.yaml"), []byte("scanner:\n  available_label: ready\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ready", cfg.Scanner.AvailableLabel)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		home := isolate(t)
		SetConfigFile(filepath.Join(home, "nope.yaml"))

		_, err := Load(ctx)
		assert.Error(t, err)
	})

	t.Run("Invalid", func(t *testing.T) {
		isolate(t)
		_, err := Load(ctx, map[string]any{"claims": map[string]any{"max_attempts": 0, "default_ttl": "0s"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "claims.max_attempts")
		assert.Contains(t, err.Error(), "claims.default_ttl")
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"scanner": map[string]any{"repo": "a/b"}})
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Scanner.Repo, retrieved.Scanner.Repo)
	assert.Equal(t, "goflock", GetIdentity().BinaryName)
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, "30m", v.GetString("claims.default_ttl"))
	assert.Equal(t, 5, v.GetInt("claims.max_attempts"))
	assert.Equal(t, "10s", v.GetString("claims.incomplete_grace"))
	assert.Equal(t, "2h", v.GetString("scanner.no_change_request_threshold"))
	assert.Equal(t, "24h", v.GetString("scanner.with_change_request_threshold"))
	assert.Equal(t, "info", v.GetString("logging.level"))
}

// resetAppIdentity resets package state for isolated tests.
// Must only be used in tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background())
	}()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := map[string]bool{}
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "GOFLOCK_", "all specs should have GOFLOCK_ prefix")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	assert.True(t, names["GOFLOCK_LOG_LEVEL"])
	assert.True(t, names["GOFLOCK_DATA_DIR"])
	assert.True(t, names["GOFLOCK_CLAIM_TTL"])
	assert.True(t, names["GOFLOCK_STATE_PATH"])
	assert.True(t, names["GOFLOCK_HISTORY_PATH"])
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}
