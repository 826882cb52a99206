// pkg/paths/paths_test.go
// TEST TYPE: Unit Test
// DEPENDENCIES: Filesystem (temp dirs)
// PURPOSE: Test state directory layout resolution

package paths_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/slotwise/slotwise/pkg/paths"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExplicitStateDir(t *testing.T) {
	dir := t.TempDir()
	p, err := paths.New(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, p.StateDir())
	assert.Equal(t, filepath.Join(dir, "checkpoints", "current.json"), p.CheckpointPath("current"))
	assert.Equal(t, filepath.Join(dir, "cow", "system.cow"), p.CowLogPath("system"))
	assert.Equal(t, filepath.Join(dir, "mnt", "system"), p.MountDir("system"))
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(paths.EnvStateDir, dir)

	p, err := paths.New("")
	require.NoError(t, err)
	assert.Equal(t, dir, p.StateDir())
}

func TestEnsureLayout(t *testing.T) {
	dir := t.TempDir()
	p, err := paths.New(dir)
	require.NoError(t, err)
	require.NoError(t, p.EnsureLayout())

	for _, sub := range []string{"checkpoints", "cow", "mnt"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
