package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir, "")
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, Defaults().Transport, cfg.Transport)
	require.Equal(t, CycleHITL, cfg.PR.Cycle)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	cawDir := filepath.Join(dir, ".caw")
	require.NoError(t, os.MkdirAll(cawDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cawDir, "config.json"),
		[]byte(`{"port": 8080, "pr": {"cycle": "auto"}}`), 0o644))

	l := NewLoader(dir, "")
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, CycleAuto, cfg.PR.Cycle)
	require.Equal(t, Defaults().DBMode, cfg.DBMode)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cawDir := filepath.Join(dir, ".caw")
	require.NoError(t, os.MkdirAll(cawDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cawDir, "config.json"),
		[]byte(`{"transport": "stdio"}`), 0o644))

	t.Setenv("CAW_TRANSPORT", "http")
	l := NewLoader(dir, "")
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, "http", cfg.Transport)
}
