package internal

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the logger for the environment: prod, dev or test.
func NewLogger(env string) (*zap.Logger, error) {
	switch env {
	case "prod", "production", "":
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	case "dev", "development":
		return zap.NewDevelopment()
	case "test":
		// only problems, without noisy stack traces
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		cfg.DisableStacktrace = true
		return cfg.Build()
	default:
		return nil, fmt.Errorf("unknown log environment %q", env)
	}
}
