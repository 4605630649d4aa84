package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/careremind/reminder-engine/internal/config"
)

// NewLogger builds the process logger. Development mode or LOG_LEVEL=debug gets
// the console encoder; everything else logs JSON.
func NewLogger(cfg *config.Config, service string) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.IsDev() || cfg.LogLevel == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service)), nil
}
