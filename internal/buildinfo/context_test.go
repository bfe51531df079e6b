package buildinfo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextGetters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ctx       *Context
		version   string
		buildDate string
		systemID  string
	}{
		{
			name:      "nil context",
			ctx:       nil,
			version:   UnknownValue,
			buildDate: UnknownValue,
			systemID:  UnknownValue,
		},
		{
			name:      "empty fields",
			ctx:       &Context{},
			version:   UnknownValue,
			buildDate: UnknownValue,
			systemID:  UnknownValue,
		},
		{
			name:      "populated",
			ctx:       NewContext("1.2.0-beta.1", "2026-01-01T12:00:00Z", "node-a"),
			version:   "1.2.0-beta.1",
			buildDate: "2026-01-01T12:00:00Z",
			systemID:  "node-a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.version, tt.ctx.GetVersion())
			assert.Equal(t, tt.buildDate, tt.ctx.GetBuildDate())
			assert.Equal(t, tt.systemID, tt.ctx.GetSystemID())
		})
	}
}

func TestNewContextGeneratesSystemID(t *testing.T) {
	t.Parallel()

	a := NewContext("1.0.0", "", "")
	b := NewContext("1.0.0", "", "")

	_, err := uuid.Parse(a.GetSystemID())
	require.NoError(t, err)
	assert.NotEqual(t, a.GetSystemID(), b.GetSystemID())
}

func TestRelease(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "bankstream@1.0.0", NewContext("1.0.0", "", "x").Release())
	assert.Equal(t, "bankstream@unknown", (*Context)(nil).Release())
	assert.Equal(t, "bankstream 1.0.0 (built unknown)", NewContext("1.0.0", "", "x").String())
}

func TestContextImplementsBuildInfo(t *testing.T) {
	t.Parallel()

	var info BuildInfo = NewContext("1.0.0", "", "x")
	assert.Equal(t, "1.0.0", info.GetVersion())
}
