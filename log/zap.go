package log

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const callerSkipFrames = 1

// Environment controls the baseline zap profile: production uses JSON
// encoding, anything else the human-readable development encoder.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// Config contains the zap logger initialization inputs.
type Config struct {
	Environment Environment
	Level       string
}

// ZapLogger adapts a *zap.Logger to the Logger interface.
type ZapLogger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

// NewZap creates a structured zap-backed logger. The returned logger keeps a
// runtime-adjustable level handle internally; Level defaults to info when
// empty.
func NewZap(cfg Config) (*ZapLogger, error) {
	var baseConfig zap.Config

	switch cfg.Environment {
	case EnvironmentProduction:
		baseConfig = zap.NewProductionConfig()
	case EnvironmentDevelopment, EnvironmentLocal, "":
		baseConfig = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid environment %q", cfg.Environment)
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)

	if cfg.Level != "" {
		parsed, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}

		level = zap.NewAtomicLevelAt(levelToZap(parsed))
	}

	baseConfig.Level = level
	baseConfig.DisableStacktrace = true

	built, err := baseConfig.Build(zap.AddCallerSkip(callerSkipFrames))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &ZapLogger{logger: built, atomicLevel: level}, nil
}

// Log emits a log event at the given level.
func (l *ZapLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if ce := l.logger.Check(levelToZap(level), msg); ce != nil {
		ce.Write(fieldsToZap(fields)...)
	}
}

// With returns a child logger carrying additional fields.
//
//nolint:ireturn
func (l *ZapLogger) With(fields ...Field) Logger {
	return &ZapLogger{
		logger:      l.logger.With(fieldsToZap(fields)...),
		atomicLevel: l.atomicLevel,
	}
}

// Enabled reports whether the logger would emit a log at the given level.
func (l *ZapLogger) Enabled(level Level) bool {
	return l.logger.Core().Enabled(levelToZap(level))
}

// Sync flushes buffered logs, respecting context cancellation.
func (l *ZapLogger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.logger.Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// SetLevel adjusts the logger verbosity at runtime.
func (l *ZapLogger) SetLevel(level Level) {
	l.atomicLevel.SetLevel(levelToZap(level))
}

func levelToZap(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func fieldsToZap(fields []Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		if err, ok := f.Value.(error); ok && f.Key == "error" {
			zapFields[i] = zap.Error(err)
			continue
		}

		zapFields[i] = zap.Any(f.Key, f.Value)
	}

	return zapFields
}
