package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Setenv("ENVIRONMENT", "test")
	os.Setenv("LOG_LEVEL", "error")

	os.Exit(m.Run())
}

func TestInitLogger(t *testing.T) {
	t.Run("default json logger", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "info")
		t.Setenv("LOG_FORMAT", "json")

		logger, err := initLogger()
		require.NoError(t, err)
		require.NotNil(t, logger)
		defer logger.Sync()
	})

	t.Run("development console logger", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("LOG_FORMAT", "console")

		logger, err := initLogger()
		require.NoError(t, err)
		require.NotNil(t, logger)
		assert.True(t, logger.Core().Enabled(-1), "debug level is enabled")
		defer logger.Sync()
	})

	t.Run("invalid log level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "invalid")
		t.Setenv("LOG_FORMAT", "json")

		logger, err := initLogger()
		assert.Error(t, err)
		assert.Nil(t, logger)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("defaults when not set", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "")
		t.Setenv("LOG_FORMAT", "")

		logger, err := initLogger()
		require.NoError(t, err)
		require.NotNil(t, logger)
		assert.False(t, logger.Core().Enabled(-1), "info is the default level")
		defer logger.Sync()
	})
}
