// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the console flavor and an optional rotating log file.
type Config struct {
	Development bool
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Compress    bool
}

// New builds a zap.Logger configured for development or production. When a
// file is configured, entries are also written as JSON to a rotating file.
func New(cfg Config) (*zap.Logger, error) {
	var (
		zcfg zap.Config
		kind string
	)
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		kind = "dev"
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.DisableStacktrace = false
		kind = "prod"
	}
	zcfg.EncoderConfig.TimeKey = "ts"

	var opts []zap.Option
	if cfg.File != "" {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore(cfg, zcfg.Level))
		}))
	}
	logger, err := zcfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("build %s logger: %w", kind, err)
	}
	return logger, nil
}

func fileCore(cfg Config, level zap.AtomicLevel) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	writer := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(writer), level)
}
