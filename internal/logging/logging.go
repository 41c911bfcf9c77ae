// Package logging builds the project-wide zap logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a structured logger appropriate for the given environment.
// "dev" and "local" get a human-readable console encoder at debug level;
// anything else gets production JSON at info level.
func New(env string) (*zap.Logger, error) {
	if env == "dev" || env == "local" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// Nop returns a no-op logger for callers that do not care about output,
// mostly tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
