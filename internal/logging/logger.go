// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder flavor, minimum level, and static fields.
type Config struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	// Sampling thins repeated production entries with zap's default sampler.
	Sampling bool `mapstructure:"sampling"`
	// WorkerField tags every entry with the process worker ID when set.
	WorkerField bool `mapstructure:"worker_field"`
}

// New builds a console logger for development or a JSON logger otherwise.
func New(cfg Config) (*zap.Logger, error) {
	level, err := cfg.level()
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if !cfg.Sampling {
			zcfg.Sampling = nil
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForWorker returns logger tagged with workerID when cfg asks for it.
func ForWorker(logger *zap.Logger, cfg Config, workerID string) *zap.Logger {
	if !cfg.WorkerField || workerID == "" {
		return logger
	}
	return logger.With(zap.String("worker_id", workerID))
}

func (c Config) level() (zapcore.Level, error) {
	if c.Level == "" {
		if c.Development {
			return zapcore.DebugLevel, nil
		}
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return 0, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}
