package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstor/caskd/pkg/protocol"
)

func TestLockfileDuplicateStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caskd.lock")

	first, err := AcquireLockfile(path)
	require.NoError(t, err)
	t.Cleanup(func() { first.Release() })

	// flock conflicts between open file descriptions, so a second
	// acquisition in-process behaves like a second daemon
	_, err = AcquireLockfile(path)
	require.Error(t, err)
	assert.Equal(t, protocol.EEXIST, protocol.FromError(err))
}

func TestLockfileReleaseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caskd.lock")

	lf, err := AcquireLockfile(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	require.NoError(t, lf.Release())
	assert.NoFileExists(t, path)

	// releasing again is harmless
	assert.NoError(t, lf.Release())
}

func TestLockfileMissingDirectory(t *testing.T) {
	_, err := AcquireLockfile("/nonexistent-caskd-dir/caskd.lock")
	assert.Error(t, err)
}

func TestPidfileEnvMandatory(t *testing.T) {
	t.Setenv(PidfileEnv, "")
	os.Unsetenv(PidfileEnv)

	_, err := WritePidfile()
	assert.Error(t, err)
}

func TestPidfileWriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caskd.pid")
	t.Setenv(PidfileEnv, path)

	got, err := WritePidfile()
	require.NoError(t, err)
	assert.Equal(t, path, got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Regexp(t, `^\d+\n$`, string(data))

	RemovePidfile(got)
	assert.NoFileExists(t, path)
}

func TestShortHostname(t *testing.T) {
	assert.Equal(t, "node1", shortHostname("node1.example.com"))
	assert.Equal(t, "node1", shortHostname("node1"))
}
