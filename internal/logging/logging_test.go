package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	l, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = New(Config{})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestValidate(t *testing.T) {
	assert.Error(t, Config{Level: "loud"}.Validate())
	assert.Error(t, Config{Format: "xml"}.Validate())
	assert.NoError(t, Config{Level: "WARN", Format: "JSON"}.Validate())
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
