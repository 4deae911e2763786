package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default().UnitDirs, cfg.UnitDirs)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	body := `
unitDirs:
  - /opt/units
stateDir: /opt/state
logLevel: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/units"}, cfg.UnitDirs)
	assert.Equal(t, "/opt/state", cfg.StateDir)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("unitDirs: [relative/path]\n"), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidateLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())

	cfg.LogLevel = "warn"
	assert.NoError(t, cfg.Validate())
}

func TestStorageRoundTrip(t *testing.T) {
	s := NewStorage(t.TempDir())

	require.NoError(t, s.Save("state", "enablement", []byte("enabled:\n  - a.service\n")))
	assert.True(t, s.Exists("state", "enablement"))

	data, err := s.Load("state", "enablement")
	require.NoError(t, err)
	assert.Contains(t, string(data), "a.service")

	names, err := s.List("state")
	require.NoError(t, err)
	assert.Equal(t, []string{"enablement"}, names)

	require.NoError(t, s.Delete("state", "enablement"))
	assert.False(t, s.Exists("state", "enablement"))

	// Deleting twice is fine.
	require.NoError(t, s.Delete("state", "enablement"))
}

func TestStorageSanitizesNames(t *testing.T) {
	s := NewStorage(t.TempDir())
	require.NoError(t, s.Save("state", "../escape", []byte("x")))
	names, err := s.List("state")
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.NotContains(t, names[0], "..")
}
