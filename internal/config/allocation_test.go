package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocationConfigDefaultsWithoutFile(t *testing.T) {
	holder, err := newAllocationConfigHolder(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultAllocationConfig(), holder.Get())
}

func TestAllocationConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	content := "allocation:\n  defaultMethod: FIFO\n  defaultGroupName: House\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "allocation.yml"), []byte(content), 0o600))

	holder, err := newAllocationConfigHolder(dir)
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "fifo", cfg.DefaultMethod)
	assert.Equal(t, "House", cfg.DefaultGroupName)
}

func TestAllocationConfigRejectsUnknownMethod(t *testing.T) {
	dir := t.TempDir()
	content := "allocation:\n  defaultMethod: lifo\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "allocation.yml"), []byte(content), 0o600))

	_, err := newAllocationConfigHolder(dir)
	assert.Error(t, err)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("RATE_LIMIT_BURST", "7")
	t.Setenv("DATABASE_SLOW_THRESHOLD", "1s")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, 7, cfg.RateLimit.Burst)
	assert.Equal(t, "1s", cfg.DBSlowThreshold.String())
}
