package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canlink/canopen-core/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeINI(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadINIAppliesDefaultsForMissingKeys(t *testing.T) {
	path := writeINI(t, "[node]\nid = 5\n")
	cfg, err := config.LoadINI(path)
	require.NoError(t, err)

	assert.EqualValues(t, 5, cfg.NodeID)
	assert.Equal(t, config.DefaultSDOTimeout, cfg.SDOTimeout)
	assert.False(t, cfg.SyncEnabled)
}

func TestLoadINIOverridesProvidedKeys(t *testing.T) {
	path := writeINI(t, `
[node]
id = 12

[sdo]
timeout_ms = 2500

[sync]
enabled = true
interval_ms = 10
counter_mode = true
`)
	cfg, err := config.LoadINI(path)
	require.NoError(t, err)

	assert.EqualValues(t, 12, cfg.NodeID)
	assert.Equal(t, 2500*time.Millisecond, cfg.SDOTimeout)
	assert.True(t, cfg.SyncEnabled)
	assert.Equal(t, 10*time.Millisecond, cfg.SyncInterval)
	assert.True(t, cfg.SyncCounterMode)
}

func TestLoadINIRejectsNodeIDOutOfRange(t *testing.T) {
	path := writeINI(t, "[node]\nid = 200\n")
	_, err := config.LoadINI(path)
	assert.Error(t, err)
}

func TestLoadINIRequiresNodeID(t *testing.T) {
	path := writeINI(t, "[sdo]\ntimeout_ms = 100\n")
	_, err := config.LoadINI(path)
	assert.Error(t, err)
}
