// Package logging builds the zap logger shared by every other
// package, pre-tagged with the agent's configured service name so
// logs from more than one inspector agent on the same host can be
// told apart downstream, and offers helpers for the per-connection and
// per-subscription child loggers the server/session/subscription
// packages attach request context to.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/realminspector/agent/internal/config"
)

// New builds a zap logger from cfg. serviceName, when non-empty, is
// attached to every record so it survives even a log line emitted
// before any per-connection or per-subscription context exists.
func New(cfg config.LoggingConfig, serviceName string) (*zap.Logger, error) {
	level := zap.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: cfg.Development,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stack",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	if serviceName != "" {
		logger = logger.With(zap.String("service", serviceName))
	}
	return logger, nil
}

// ForConnection returns a child logger scoped to one client connection,
// so its receive/write loops and dispatched requests can be correlated
// in aggregated log output without every call site threading a client
// id through by hand.
func ForConnection(logger *zap.Logger, clientID string) *zap.Logger {
	return logger.With(zap.String("clientId", clientID))
}

// ForSubscription returns a child logger scoped to one subscription, so
// delivery warnings and observation errors can be correlated back to
// the client and type they belong to.
func ForSubscription(logger *zap.Logger, subscriptionID, typeName string) *zap.Logger {
	return logger.With(zap.String("subscriptionId", subscriptionID), zap.String("typeName", typeName))
}
