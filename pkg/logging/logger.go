// Package logging builds the engine's structured logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log destination and verbosity.
type Config struct {
	// Level is one of "debug", "info", "warn", "error"; defaults to info.
	Level string

	// Filename routes output to a rotating file instead of stderr.
	Filename   string
	MaxSizeMB  int // per-file cap before rotation, default 64
	MaxBackups int // rotated files kept, default 3
}

// New builds a production zap logger per the config. With a Filename the
// sink rotates through lumberjack; otherwise it writes to stderr.
func New(cfg Config) *zap.Logger {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zapcore.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if cfg.Filename != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize == 0 {
			maxSize = 64
		}
		maxBackups := cfg.MaxBackups
		if maxBackups == 0 {
			maxBackups = 3
		}
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		})
	} else {
		sink = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	return zap.New(core)
}

// NewNop returns a logger that discards everything; handy in tests.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
