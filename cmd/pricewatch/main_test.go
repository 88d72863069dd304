package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/IshaanNene/pricewatch/internal/config"
)

func TestSetupLogger(t *testing.T) {
	logger, err := setupLogger(&config.LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	verbose = true
	defer func() { verbose = false }()
	logger, err = setupLogger(&config.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestSetupLoggerRejectsLevel(t *testing.T) {
	_, err := setupLogger(&config.LoggingConfig{Level: "chatty", Format: "text"})
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	cmd := storesCmd()
	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"validate", "list"}, names)
	assert.Equal(t, "research", researchCmd().Name())
	assert.NotNil(t, priceCacheCmd().Flags().Lookup("update"))
}
