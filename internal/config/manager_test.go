package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "dossier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
service:
  name: dossier-test
  http_port: 9090
retrieval:
  fragment_cap: 8
semantic:
  enabled: false
`)

	m, err := Load(path, nil)
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, "dossier-test", cfg.Service.Name)
	assert.Equal(t, 9090, cfg.Service.HTTPPort)
	assert.Equal(t, 8, cfg.Retrieval.FragmentCap)
	assert.False(t, cfg.Semantic.Enabled)

	// untouched sections keep defaults
	assert.Equal(t, "dossier-tasks", cfg.Temporal.TaskQueue)
	assert.Equal(t, 6, cfg.Planner.MaxFacets)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer func() { _ = os.Chdir(wd) }()

	m, err := Load("", nil)
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, "dossier-engine", cfg.Service.Name)
	assert.Equal(t, 20, cfg.Retrieval.FragmentCap)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
}

func TestReload_NotifiesListeners(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "retrieval:\n  fragment_cap: 8\n")

	m, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 8, m.Get().Retrieval.FragmentCap)

	changed := make(chan Config, 1)
	m.OnChange(func(c Config) {
		select {
		case changed <- c:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  fragment_cap: 4\n"), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, 4, cfg.Retrieval.FragmentCap)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not observed")
	}
	assert.Equal(t, 4, m.Get().Retrieval.FragmentCap)
}
