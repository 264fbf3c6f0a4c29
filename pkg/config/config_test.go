package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_DefaultsOnly(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir()) // no global config present
	t.Setenv("ISOLATE_STRICT", "")
	os.Unsetenv("ISOLATE_STRICT")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "standard", cfg.DefaultTemplate)
	assert.True(t, cfg.Watch.Enabled)
	assert.Equal(t, 100, cfg.Watch.DebounceMS)
}

func TestLoad_RepoPlaceholderSubstitution(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-repo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Contains(t, cfg.WorkspaceDir, "my-repo__workspaces")
	assert.NotContains(t, cfg.WorkspaceDir, "{repo}")
}

// property 9: config merge — L2 never resets fields absent from it.
func TestMerge_L2NeverResetsL1(t *testing.T) {
	l1 := partial{}
	branch := "main"
	l1.MainBranch = &branch
	template := "l1-template"
	l1.DefaultTemplate = &template

	l2 := partial{} // nothing set

	l3 := partial{}
	l3Template := "l3-template"
	l3.DefaultTemplate = &l3Template

	merged := l1.applyTo(Defaults())
	merged = l2.applyTo(merged)
	merged = l3.applyTo(merged)

	assert.Equal(t, "main", merged.MainBranch, "L2 must not reset L1's main_branch")
	assert.Equal(t, "l3-template", merged.DefaultTemplate, "L3 wins over L1 when both set it")
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	writeFile(t, ProjectConfigPath(dir), "not_a_real_key = true\n")

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_SymlinkRefused(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	real := filepath.Join(dir, "real.toml")
	writeFile(t, real, "main_branch = \"main\"\n")
	link := ProjectConfigPath(dir)
	require.NoError(t, os.MkdirAll(filepath.Dir(link), 0o755))
	require.NoError(t, os.Symlink(real, link))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_OversizedFileRefused(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	big := make([]byte, maxConfigFileSize+1)
	for i := range big {
		big[i] = ' '
	}
	writeFile(t, ProjectConfigPath(dir), string(big))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	writeFile(t, ProjectConfigPath(dir), "main_branch = \"from-file\"\n")
	t.Setenv("ISOLATE_MAIN_BRANCH", "from-env")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.MainBranch)
}

func TestLoad_StrictEnvForcesFailFast(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	writeFile(t, ProjectConfigPath(dir), "recovery.policy = \"silent\"\n")
	t.Setenv("ISOLATE_STRICT", "1")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "fail-fast", cfg.Recovery.Policy)
}

func TestValidate_DebounceRange(t *testing.T) {
	cfg := Defaults()
	cfg.Watch.DebounceMS = 1
	require.Error(t, Validate(cfg))

	cfg.Watch.DebounceMS = 100
	require.NoError(t, Validate(cfg))
}

func TestSnapshot_LoadStore(t *testing.T) {
	s := NewSnapshot(Defaults())
	assert.Equal(t, "standard", s.Load().DefaultTemplate)

	updated := Defaults()
	updated.DefaultTemplate = "custom"
	s.Store(updated)
	assert.Equal(t, "custom", s.Load().DefaultTemplate)
}
