package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
general:
  hostname: "%H"
  arbiter_refresh: 30s
status:
  fallback_status: normal
  penalty_order: [warn]
groups:
  normal:
    cpu_quota: 100
  warn:
    cpu_quota: 0.5
    relative: true
    timeout: 1h
`

const overrideYAML = `
general:
  min_uid: 2000
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRequiresAtLeastOneFile(t *testing.T) {
	_, err := Load(nil)
	assert.Error(t, err)
}

func TestLoadAppliesDefaultsAndSubstitution(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", baseYAML)

	cfg, err := Load([]string{base})
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.General.MinUID, "default applied")
	assert.NotEqual(t, "%H", cfg.General.Hostname, "%%H substitution must resolve to the real hostname")
	assert.Equal(t, "normal", cfg.Status.FallbackStatus)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadCascadesLaterFilesOverEarlier(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", baseYAML)
	override := writeFile(t, dir, "override.yaml", overrideYAML)

	cfg, err := Load([]string{base, override})
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.General.MinUID, "override file must win")
	assert.Equal(t, "normal", cfg.Status.FallbackStatus, "keys absent from override keep the base value")
}

func TestLoadRejectsUnknownFallbackStatus(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", `
status:
  fallback_status: ghost
groups:
  normal:
    cpu_quota: 100
`)
	_, err := Load([]string{bad})
	assert.Error(t, err)
}

func TestLoadRejectsUnknownPenaltyOrderGroup(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", `
status:
  fallback_status: normal
  penalty_order: [ghost]
groups:
  normal:
    cpu_quota: 100
`)
	_, err := Load([]string{bad})
	assert.Error(t, err)
}

func TestLoadRejectsShortRefresh(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", `
general:
  arbiter_refresh: 1s
status:
  fallback_status: normal
groups:
  normal:
    cpu_quota: 100
`)
	_, err := Load([]string{bad})
	assert.Error(t, err)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("ARBITER_TEST_DOMAIN", "example.org")
	dir := t.TempDir()
	f := writeFile(t, dir, "env.yaml", `
status:
  fallback_status: normal
groups:
  normal:
    cpu_quota: 100
notify:
  domain: "${ARBITER_TEST_DOMAIN}"
`)
	cfg, err := Load([]string{f})
	require.NoError(t, err)
	assert.Equal(t, "example.org", cfg.Notify.Domain)
}
