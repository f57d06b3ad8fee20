// Package cmd implements the goflock command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goflock/internal/config"
	"github.com/3leaps/goflock/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.AppIdentity
	appConfig   *config.Config

	cfgFile  string
	verbose  bool
	dataDir  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "goflock",
	Short: "Filesystem coordination for cooperating agents",
	Long: `goflock coordinates independent agents that share a filesystem.

It provides exclusive claims on work items with expiring leases, an
append-only progress journal per task, validation and repair of the shared
daemon state document, and a scanner that returns abandoned in-progress
items to the available pool.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: search user config dir, ~/.goflock, .)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&dataDir, "data-dir", "", "Base directory for claims, journals and the state document")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the active identity, or nil before the first
// command runs.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the root command and exits with the mapped exit code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		code := exitCodeOf(err)
		observability.CLILogger.Error(err.Error(), zap.Int("exit_code", code))
		stop()
		os.Exit(code)
	}
}

func initRuntime(cmd *cobra.Command, args []string) error {
	logger := observability.InitCLILogger("goflock", verbose)

	config.SetConfigFile(cfgFile)
	overrides := map[string]any{}
	if dataDir != "" {
		overrides["data_dir"] = dataDir
	}
	if logLevel != "" {
		overrides["logging.level"] = logLevel
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if !verbose && !observability.SetLevel(cfg.Logging.Level) {
		logger.Warn("Unknown log level, keeping default", zap.String("level", cfg.Logging.Level))
	}

	appConfig = cfg
	appIdentity = config.GetIdentity()
	if used := config.ConfigFileUsed(); used != "" {
		logger.Debug("Loaded config file", zap.String("path", used))
	}
	return nil
}

// Domain exit codes. Generic failures use the foundry catalog.
const (
	ExitAlreadyClaimed    = 1
	ExitBadArguments      = 2
	ExitNotFound          = 3
	ExitOwnershipMismatch = 4
	ExitContention        = 5
	ExitInvalidState      = 6
	ExitInternal          = 70
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s (exit code %d): %v", e.Message, e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitWithCode logs and terminates immediately. Commands should prefer
// returning exitError so deferred cleanup runs.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	os.Exit(code)
}

func exitCodeOf(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, context.Canceled) {
		return foundry.ExitSignalInt
	}
	// Errors that never reached a command body are usage errors from flag
	// or argument parsing.
	return ExitBadArguments
}
