package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tgen.log")

	cfg := Config{
		Level:    zapcore.DebugLevel,
		Encoding: "json",
		Output:   []string{path},
	}
	log, level, err := Init(&cfg)
	require.NoError(t, err)
	require.NotNil(t, log)

	assert.Equal(t, zapcore.DebugLevel, level.Level())

	level.SetLevel(zapcore.WarnLevel)
	assert.False(t, log.Desugar().Core().Enabled(zapcore.InfoLevel))
}

func TestInitDefaults(t *testing.T) {
	cfg := Config{}
	log, level, err := Init(&cfg)
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}
