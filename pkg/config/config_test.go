package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kristofer/nim/pkg/config"
)

func TestLoadDefaultsToCwd(t *testing.T) {
	t.Setenv(config.PathEnv, "")
	t.Setenv(config.ExtEnv, "")

	cwd, err := os.Getwd()
	require.NoError(t, err)

	p, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, []string{cwd}, p.Dirs)
	require.Equal(t, config.DefaultExt, p.Ext)
}

func TestLoadSplitsColonSeparatedPath(t *testing.T) {
	t.Setenv(config.PathEnv, "/a:/b:/c")
	t.Setenv(config.ExtEnv, "chimp")

	p, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, []string{"/a", "/b", "/c"}, p.Dirs)
	require.Equal(t, "chimp", p.Ext)
}

func TestResolveFindsFirstMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.nim"), []byte("fn greet() {}"), 0o644))

	p := config.Path{Dirs: []string{t.TempDir(), dir}, Ext: "nim"}
	got, err := p.Resolve("greet")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "greet.nim"), got)
}

func TestResolveReportsEveryDirectoryProbed(t *testing.T) {
	p := config.Path{Dirs: []string{"/nowhere", "/also-nowhere"}, Ext: "nim"}
	_, err := p.Resolve("missing")
	require.Error(t, err)

	var nf *config.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "missing", nf.Name)
	require.Contains(t, err.Error(), "/nowhere")
	require.Contains(t, err.Error(), "/also-nowhere")
}
