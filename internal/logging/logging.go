// Package logging builds the Operator's root logr.Logger from a zap core,
// matching the go-logr/zapr stack the rest of the platform's controllers
// use so operator logs compose with any existing zap-based aggregation.
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logr.Logger at the given level ("debug", "info", "warn",
// "error") in either "json" or "console" format.
func New(level, format string) (logr.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return logr.Logger{}, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("building zap logger: %w", err)
	}

	return zapr.NewLogger(zl), nil
}
