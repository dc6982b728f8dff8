package ratecontrol

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWaitUnknownBackendUnlimited(t *testing.T) {
	c := New(zap.NewNop())
	assert.NoError(t, c.Wait(context.Background(), "nonexistent"))
	assert.True(t, c.Allow("nonexistent"))
}

func TestAllowExhaustsBurst(t *testing.T) {
	c := New(zap.NewNop())
	c.rpm[BackendModel] = 6 // burst of 1

	assert.True(t, c.Allow(BackendModel))
	assert.False(t, c.Allow(BackendModel), "second immediate request exceeds burst")
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	c := New(zap.NewNop())
	c.rpm[BackendModel] = 6
	require.True(t, c.Allow(BackendModel))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.Wait(ctx, BackendModel))
}

func TestNewFromFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backends:
  semantic:
    rpm: 12
  model:
    rpm: 3
`), 0o644))

	c := NewFromFile(path, zap.NewNop())
	assert.Equal(t, 12, c.rpm[BackendSemantic])
	assert.Equal(t, 3, c.rpm[BackendModel])
	assert.Equal(t, builtinRPM[BackendGraph], c.rpm[BackendGraph], "unnamed backends keep built-ins")
}

func TestNewFromFileMissingUsesBuiltins(t *testing.T) {
	c := NewFromFile(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	assert.Equal(t, builtinRPM[BackendSemantic], c.rpm[BackendSemantic])
}
