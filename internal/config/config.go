// Package config loads goflock configuration.
//
// Precedence, lowest to highest: built-in defaults, config file, GOFLOCK_*
// environment variables, runtime overrides (CLI flags).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary and its config/env namespaces.
type AppIdentity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is goflock's identity.
var DefaultIdentity = AppIdentity{
	BinaryName: "goflock",
	ConfigName: "goflock",
	EnvPrefix:  "GOFLOCK_",
}

// Config is the effective configuration.
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Claims  ClaimsConfig  `mapstructure:"claims"`
	Journal JournalConfig `mapstructure:"journal"`
	State   StateConfig   `mapstructure:"state"`
	Scanner ScannerConfig `mapstructure:"scanner"`
	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ClaimsConfig configures the claim store.
type ClaimsConfig struct {
	Root            string        `mapstructure:"root"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	IncompleteGrace time.Duration `mapstructure:"incomplete_grace"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
}

// JournalConfig configures progress journals.
type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

// StateConfig configures the state document.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// ScannerConfig configures the stale-work scanner and its tracker.
type ScannerConfig struct {
	Repo                       string        `mapstructure:"repo"`
	Token                      string        `mapstructure:"token"`
	APIURL                     string        `mapstructure:"api_url"`
	InProgressLabel            string        `mapstructure:"in_progress_label"`
	AvailableLabel             string        `mapstructure:"available_label"`
	NoChangeRequestThreshold   time.Duration `mapstructure:"no_change_request_threshold"`
	WithChangeRequestThreshold time.Duration `mapstructure:"with_change_request_threshold"`
	BranchPatterns             []string      `mapstructure:"branch_patterns"`
	RateLimit                  float64       `mapstructure:"rate_limit"`
}

// HistoryConfig configures the scan history database.
type HistoryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *AppIdentity
	configFile  string
	usedFile    string
)

// SetConfigFile pins an explicit config file. An empty path restores
// search-path discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration and makes it the current one.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		names := append([]string{spec.Name}, spec.Fallbacks...)
		if err := v.BindEnv(append([]string{spec.Path}, names...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	resolvePaths(&cfg, appIdentity.ConfigName)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// GetIdentity returns the active identity, or nil before Load.
func GetIdentity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// ConfigFileUsed returns the config file Load read, if any.
func ConfigFileUsed() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return usedFile
}

func readConfigFile(v *viper.Viper) error {
	usedFile = ""
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		usedFile = v.ConfigFileUsed()
		return nil
	}

	v.SetConfigName(appIdentity.ConfigName)
	v.SetConfigType("yaml")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	usedFile = v.ConfigFileUsed()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")

	v.SetDefault("claims.root", "")
	v.SetDefault("claims.default_ttl", "30m")
	v.SetDefault("claims.max_attempts", 5)
	v.SetDefault("claims.incomplete_grace", "10s")
	v.SetDefault("claims.retry_backoff", "100ms")

	v.SetDefault("journal.dir", "")
	v.SetDefault("state.path", "")

	v.SetDefault("scanner.repo", "")
	v.SetDefault("scanner.token", "")
	v.SetDefault("scanner.api_url", "https://api.github.com")
	v.SetDefault("scanner.in_progress_label", "in-progress")
	v.SetDefault("scanner.available_label", "available")
	v.SetDefault("scanner.no_change_request_threshold", "2h")
	v.SetDefault("scanner.with_change_request_threshold", "24h")
	v.SetDefault("scanner.branch_patterns", []string{"feature/issue-{id}", "**/issue-{id}", "**/issue-{id}-*"})
	v.SetDefault("scanner.rate_limit", 5.0)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")
	v.SetDefault("history.url", "")
	v.SetDefault("history.auth_token", "")

	v.SetDefault("logging.level", "info")
}

// resolvePaths fills unset locations from the data dir.
func resolvePaths(cfg *Config, configName string) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = gfconfig.GetAppDataDir(configName)
	}
	if strings.TrimSpace(cfg.Claims.Root) == "" {
		cfg.Claims.Root = filepath.Join(cfg.DataDir, "claims")
	}
	if strings.TrimSpace(cfg.Journal.Dir) == "" {
		cfg.Journal.Dir = filepath.Join(cfg.DataDir, "progress")
	}
	if strings.TrimSpace(cfg.State.Path) == "" {
		cfg.State.Path = filepath.Join(cfg.DataDir, "daemon-state.json")
	}
	if strings.TrimSpace(cfg.History.Path) == "" {
		cfg.History.Path = filepath.Join(cfg.DataDir, "history.db")
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Claims.DefaultTTL < time.Second {
		errs = append(errs, fmt.Errorf("claims.default_ttl must be at least 1s, got %s", c.Claims.DefaultTTL))
	}
	if c.Claims.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("claims.max_attempts must be >= 1, got %d", c.Claims.MaxAttempts))
	}
	if c.Claims.IncompleteGrace < 0 || c.Claims.RetryBackoff < 0 {
		errs = append(errs, errors.New("claims durations must not be negative"))
	}
	if c.Scanner.NoChangeRequestThreshold <= 0 || c.Scanner.WithChangeRequestThreshold <= 0 {
		errs = append(errs, errors.New("scanner thresholds must be positive"))
	}
	if c.Scanner.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("scanner.rate_limit must be positive, got %v", c.Scanner.RateLimit))
	}
	return errors.Join(errs...)
}

// envSpec maps an environment variable to a config path.
type envSpec struct {
	Name      string
	Path      string
	Fallbacks []string
}

func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return []envSpec{}
	}
	p := appIdentity.EnvPrefix
	specs := []envSpec{
		{Name: p + "DATA_DIR", Path: "data_dir"},
		{Name: p + "CLAIMS_ROOT", Path: "claims.root"},
		{Name: p + "CLAIM_TTL", Path: "claims.default_ttl"},
		{Name: p + "CLAIM_MAX_ATTEMPTS", Path: "claims.max_attempts"},
		{Name: p + "CLAIM_INCOMPLETE_GRACE", Path: "claims.incomplete_grace"},
		{Name: p + "CLAIM_RETRY_BACKOFF", Path: "claims.retry_backoff"},
		{Name: p + "JOURNAL_DIR", Path: "journal.dir"},
		{Name: p + "STATE_PATH", Path: "state.path"},
		{Name: p + "REPO", Path: "scanner.repo"},
		{Name: p + "GITHUB_TOKEN", Path: "scanner.token", Fallbacks: []string{"GITHUB_TOKEN"}},
		{Name: p + "API_URL", Path: "scanner.api_url"},
		{Name: p + "IN_PROGRESS_LABEL", Path: "scanner.in_progress_label"},
		{Name: p + "AVAILABLE_LABEL", Path: "scanner.available_label"},
		{Name: p + "NO_PR_THRESHOLD", Path: "scanner.no_change_request_threshold"},
		{Name: p + "WITH_PR_THRESHOLD", Path: "scanner.with_change_request_threshold"},
		{Name: p + "BRANCH_PATTERNS", Path: "scanner.branch_patterns"},
		{Name: p + "RATE_LIMIT", Path: "scanner.rate_limit"},
		{Name: p + "HISTORY_ENABLED", Path: "history.enabled"},
		{Name: p + "HISTORY_PATH", Path: "history.path"},
		{Name: p + "HISTORY_URL", Path: "history.url"},
		{Name: p + "HISTORY_AUTH_TOKEN", Path: "history.auth_token"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
	}
	return specs
}

func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appIdentity.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+appIdentity.ConfigName))
	}
	return paths
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
