package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmkit.yaml")
	yaml := "frame:\n  capacity: 8\nswap:\n  device_path: custom.img\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Frame.Capacity)
	require.Equal(t, "custom.img", cfg.Swap.DevicePath)
	require.Equal(t, 512, cfg.Swap.SectorSize) // untouched default
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
