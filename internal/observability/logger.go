// Package observability holds the process-wide loggers used by the CLI.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by command handlers. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for a command-line run. Output goes to
// stderr so stdout stays reserved for command results.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = NewLogger(name, level, "console")
}

// Configure rebuilds CLILogger from a level name and a logging profile.
// Unknown levels fall back to info. The "structured" profile emits JSON.
func Configure(name, levelName, profile string, verbose bool) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(levelName)))); err != nil {
		level = zapcore.InfoLevel
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	encoding := "console"
	if strings.EqualFold(strings.TrimSpace(profile), "structured") {
		encoding = "json"
	}
	CLILogger = NewLogger(name, level, encoding)
}

// NewLogger builds a stderr logger named name.
func NewLogger(name string, level zapcore.Level, encoding string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if encoding == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	return zap.New(core).Named(name)
}

// Sync flushes CLILogger, ignoring the EINVAL stderr returns on some platforms.
func Sync() {
	_ = CLILogger.Sync()
}
