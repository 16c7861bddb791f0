// Package logging constructs the zap.Logger used across the supervisor,
// matching this codebase's own development-config style (colored level,
// no timestamp key, no stack traces or caller info).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide logger. name is attached via Named so log
// lines are attributable to the component that emitted them (e.g.
// "master", "slave", "task:web").
func New(name string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true

	log := zap.Must(cfg.Build())
	return log.Named(name)
}
