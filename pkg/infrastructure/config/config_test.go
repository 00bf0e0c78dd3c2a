package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "orchard.db", cfg.Store.Path)
	assert.Equal(t, 18, cfg.PowDifficulty)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"addr": ":9999"},
		"cleanup": {"days": 30, "max_mb": 1024}
	}`), 0644))

	t.Setenv("ORCHARD_ADDR", ":7777")
	t.Setenv("AUTO_CLEANUP_DAYS", "7")
	t.Setenv("S3_BUCKET", "orchard-packages")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Addr, "environment wins over the file")
	assert.Equal(t, 7, cfg.Cleanup.Days)
	assert.Equal(t, 1024, cfg.Cleanup.MaxMB, "file wins over the default")
	assert.Equal(t, "orchard-packages", cfg.Blob.Bucket)
}

func TestPowDifficultyClamped(t *testing.T) {
	t.Setenv("POW_DIFFICULTY", "4")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.PowDifficulty)

	t.Setenv("POW_DIFFICULTY", "99")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.PowDifficulty)
}

func TestCDNDomainValidation(t *testing.T) {
	t.Setenv("R2_CDN_DOMAIN", "cdn.example.com")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cdn.example.com", cfg.CDNDomain)

	t.Setenv("R2_CDN_DOMAIN", "cdn.example.com/evil?x=1")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.CDNDomain, "hosts with path or query characters are dropped")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
