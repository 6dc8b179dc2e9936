// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every entry as the "service" field.
const ServiceName = "taskengine"

// Options selects the logger profile.
type Options struct {
	Development bool
	// Level overrides the profile's minimum level ("debug", "info", ...).
	Level string
	// Mode is the engine mode the process runs in. It is logged with every
	// entry so master and worker output can be told apart when merged.
	Mode string
}

// New builds a zap.Logger for opts.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	profile := "prod"
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		profile = "dev"
	} else {
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if opts.Level != "" {
		level, err := zap.ParseAtomicLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		cfg.Level = level
	}

	fields := []zap.Field{zap.String("service", ServiceName)}
	if opts.Mode != "" {
		fields = append(fields, zap.String("mode", opts.Mode))
	}
	logger, err := cfg.Build(zap.Fields(fields...))
	if err != nil {
		return nil, fmt.Errorf("build %s logger: %w", profile, err)
	}
	return logger, nil
}
