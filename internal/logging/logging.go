// Package logging builds the zap loggers used across the CLI and the dev
// daemon.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Debug switches the console level from Info to Debug.
	Debug bool
	// Dir, when set, adds a rotated JSON file sink under Dir (the project's
	// .moose/logs directory). The dev daemon always sets this so reload
	// history survives restarts.
	Dir string
}

// New builds the process logger. Console output is plain text on stderr; the
// optional file sink is JSON with rotation handled by lumberjack.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.Lock(os.Stderr),
			level,
		),
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "moose.log"),
			MaxSize:    20, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		fileCfg := zap.NewProductionEncoderConfig()
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileCfg),
			zapcore.AddSync(rotator),
			zapcore.DebugLevel,
		))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

// Nop returns a no-op logger for tests and optional dependencies.
func Nop() *zap.Logger { return zap.NewNop() }
