package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestMaskSubject(t *testing.T) {
	assert.Equal(t, "489*****78", MaskSubject("4895631478"))
	assert.Equal(t, "abc*yz", MaskSubject("abcxyz"))
	assert.Equal(t, "****", MaskSubject("1234"))
	assert.Equal(t, "", MaskSubject(""))
}

func TestNewLevels(t *testing.T) {
	assert.True(t, New("debug").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("bogus").Core().Enabled(zapcore.InfoLevel))
	assert.False(t, New("bogus").Core().Enabled(zapcore.DebugLevel))
}
