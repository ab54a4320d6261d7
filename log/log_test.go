package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		expected    Level
		expectError bool
	}{
		{name: "parse error level", input: "error", expected: LevelError},
		{name: "parse warn level", input: "warn", expected: LevelWarn},
		{name: "parse warning alias", input: "warning", expected: LevelWarn},
		{name: "parse info level", input: "info", expected: LevelInfo},
		{name: "parse debug level", input: "debug", expected: LevelDebug},
		{name: "parse is case insensitive", input: "DEBUG", expected: LevelDebug},
		{name: "unknown level fails", input: "verbose", expectError: true},
		{name: "empty level fails", input: "", expectError: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			level, err := ParseLevel(tt.input)
			if tt.expectError {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	// Must be safe to use everywhere and never enabled.
	logger.Log(context.Background(), LevelError, "dropped", Err(errors.New("boom")))
	assert.False(t, logger.Enabled(LevelError))
	assert.Same(t, logger, logger.With(String("k", "v")))
	require.NoError(t, logger.Sync(context.Background()))
}

func TestNewZap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         Config
		expectError bool
	}{
		{name: "production profile", cfg: Config{Environment: EnvironmentProduction, Level: "info"}},
		{name: "local profile", cfg: Config{Environment: EnvironmentLocal, Level: "debug"}},
		{name: "empty environment defaults to development", cfg: Config{Level: "warn"}},
		{name: "empty level defaults to info", cfg: Config{Environment: EnvironmentProduction}},
		{name: "invalid environment fails", cfg: Config{Environment: "qa"}, expectError: true},
		{name: "invalid level fails", cfg: Config{Environment: EnvironmentLocal, Level: "loud"}, expectError: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewZap(tt.cfg)
			if tt.expectError {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, logger)
		})
	}
}

func TestZapLoggerEnabled(t *testing.T) {
	t.Parallel()

	logger, err := NewZap(Config{Environment: EnvironmentProduction, Level: "warn"})
	require.NoError(t, err)

	assert.True(t, logger.Enabled(LevelError))
	assert.True(t, logger.Enabled(LevelWarn))
	assert.False(t, logger.Enabled(LevelInfo))
	assert.False(t, logger.Enabled(LevelDebug))

	logger.SetLevel(LevelDebug)
	assert.True(t, logger.Enabled(LevelDebug))
}
