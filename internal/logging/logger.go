// Package logging owns the process-wide zap logger. Components take
// named children via L().Named(...).
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Init builds the global logger from LOG_LEVEL, LOG_FORMAT and
// ENVIRONMENT. Calling it more than once is a no-op.
func Init() {
	once.Do(func() {
		level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
		if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
			if parsed, err := zapcore.ParseLevel(lvl); err == nil {
				level.SetLevel(parsed)
			}
		}

		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

		var enc zapcore.Encoder
		if jsonOutput() {
			enc = zapcore.NewJSONEncoder(encCfg)
		} else {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
			enc = zapcore.NewConsoleEncoder(encCfg)
		}

		core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
		logger = zap.New(core, zap.AddCaller())
	})
}

func jsonOutput() bool {
	if f := strings.ToLower(os.Getenv("LOG_FORMAT")); f != "" {
		return f == "json"
	}
	return os.Getenv("ENVIRONMENT") == "production"
}

// L returns the global logger, initializing it on first use.
func L() *zap.Logger {
	if logger == nil {
		Init()
	}
	return logger
}

// Sync flushes buffered entries. Call on shutdown.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
