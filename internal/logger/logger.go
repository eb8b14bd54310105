package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It discards everything until InitLogger or
// Configure is called.
var Log = zap.NewNop()

// InitLogger installs a production JSON logger at info level
func InitLogger() {
	if err := Configure("info", "json"); err != nil {
		panic(err)
	}
}

// Configure installs a logger with the given level and format ("json" or "console")
func Configure(level, format string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	Log = l
	zap.ReplaceGlobals(l)
	return nil
}

// Sync flushes buffered log entries
func Sync() {
	_ = Log.Sync()
}
