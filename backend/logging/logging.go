// Package logging is a convenience wrapper around the IPFS logging package, which itself is a
// convenience package around the Zap logger. This package discourages usage of global loggers
// though, and allows creating named loggers with their logging level set in one call.
package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

func init() {
	// Compatibility with IPFS's logging library.
	envfmt := strings.TrimSpace(strings.ToLower(os.Getenv("GOLOG_LOG_FMT")))

	// Overriding the primary logger of the IPFS's go-log package, to have full control of the output.

	cfg := zap.NewProductionEncoderConfig()
	cfg.MessageKey = "msg"
	cfg.LevelKey = "lvl"
	cfg.TimeKey = "ts"
	cfg.NameKey = "log"
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		t = t.UTC()
		enc.AppendString(t.Format(time.RFC3339))
	}

	var enc zapcore.Encoder

	// If stderr is not a terminal, fall back to JSON encoding so logs can be
	// shipped to an aggregator without reparsing a colorized console format.
	if !term.IsTerminal(int(os.Stderr.Fd())) || envfmt == "json" {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	log.SetPrimaryCore(zapcore.NewCore(enc, os.Stderr, zap.NewAtomicLevelAt(zapcore.DebugLevel)))
}

// New creates a new named logger with the specified level.
// If the logger was created before it will just set the level.
func New(subsystem, level string) *zap.Logger {
	l := log.Logger(subsystem).Desugar()

	if err := log.SetLogLevel(subsystem, level); err != nil {
		panic(err)
	}

	return l
}

// SetLogLevel sets the level on the named logger. It may panic
// in case of a non-existing name.
func SetLogLevel(subsystem, level string) {
	if err := log.SetLogLevel(subsystem, level); err != nil {
		panic(fmt.Errorf("%s %s %w", subsystem, level, err))
	}
}

// SetLogLevelErr is like [SetLogLevel] but returns an error instead of panicking.
func SetLogLevelErr(subsystem, level string) error {
	return log.SetLogLevel(subsystem, level)
}

// Config is an alias for the IPFS logging config. Exported for convenience.
type Config = log.Config

// Output formats.
const (
	ColorizedOutput = log.ColorizedOutput
	PlaintextOutput = log.PlaintextOutput
	JSONOutput      = log.JSONOutput
)

// Setup the global parent logger with the specified config.
func Setup(cfg Config) {
	log.SetupLogging(cfg)
}

// DefaultConfig creates a default logging config.
func DefaultConfig() Config {
	return Config{
		Format: log.ColorizedOutput,
		Stderr: true,
		Level:  log.LevelError,
		Labels: map[string]string{},
	}
}

// ListLogNames of the underlying IPFS global logger.
func ListLogNames() []string {
	logs := log.GetSubsystems()
	sort.Strings(logs)
	return logs
}

// GetGlobalConfig returns the global logging configuration.
func GetGlobalConfig() log.Config {
	return log.GetConfig()
}

// LevelToString returns the string representation of a log level, so callers
// don't need to depend on the zapcore package directly.
func LevelToString(l log.LogLevel) string {
	return zapcore.Level(l).String()
}

// GetLogLevel returns the current log level for the given logger.
func GetLogLevel(subsystem string) zapcore.Level {
	return log.Logger(subsystem).Level()
}
