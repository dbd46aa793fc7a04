package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level string // debug, info, warn, error
	Env   string // dev gets console output, anything else JSON
}

// New builds the service logger. Every binary shares this so log shape is
// uniform across api, worker and dispatcher.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.Set(cfg.Level); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	switch cfg.Env {
	case "dev":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}
