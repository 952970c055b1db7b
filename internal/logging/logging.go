// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"agent_builder/internal/config"
)

// New returns a JSON production logger in production and a console
// development logger elsewhere.
func New(cfg config.Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Environment == "production" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.With(zap.String("service", "agent_builder")), nil
}

// ToFile is New with output redirected to path. Terminal UIs use it so log
// lines do not draw over the screen.
func ToFile(cfg config.Config, path string) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{path}
	zc.ErrorOutputPaths = []string{path}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build file logger: %w", err)
	}
	return logger, nil
}

func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
