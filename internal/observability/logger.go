// Package observability owns the process-wide CLI logger.
package observability

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It writes human-oriented
// console lines to stderr so stdout stays clean for command output.
//
// It is a no-op logger until InitCLILogger runs.
var CLILogger = zap.NewNop()

var (
	mu    sync.Mutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// InitCLILogger builds CLILogger for the named binary. verbose forces
// debug level regardless of SetLevel.
func InitCLILogger(name string, verbose bool) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if verbose {
		level.SetLevel(zapcore.DebugLevel)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !colorize(os.Stderr.Fd()) {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core).Named(name)
	return CLILogger
}

// SetLevel changes the level of CLILogger. Unknown names are ignored and
// reported as false.
func SetLevel(name string) bool {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		return false
	}
	level.SetLevel(l)
	return true
}

// Level returns the current level name.
func Level() string {
	return level.Level().String()
}

// colorize reports whether fd is an interactive terminal.
func colorize(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
