package ldm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/types"
)

func TestPosixFormatAndLabel(t *testing.T) {
	fs := PosixFS{}
	dir := filepath.Join(t.TempDir(), "medium0")

	space, err := fs.Format(dir, "medium0")
	require.NoError(t, err)
	assert.Positive(t, space.Free)

	label, err := fs.GetLabel(dir)
	require.NoError(t, err)
	assert.Equal(t, "medium0", label)
}

func TestPosixFormatRefusesNonEmptyDir(t *testing.T) {
	fs := PosixFS{}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data"), []byte("x"), 0600))

	_, err := fs.Format(dir, "medium0")
	assert.ErrorIs(t, err, protocol.EEXIST)
}

func TestPosixMountChecksLabel(t *testing.T) {
	fs := PosixFS{}
	dir := filepath.Join(t.TempDir(), "medium0")
	_, err := fs.Format(dir, "medium0")
	require.NoError(t, err)

	assert.NoError(t, fs.Mount(dir, dir, "medium0"))
	assert.ErrorIs(t, fs.Mount(dir, dir, "wrong-label"), protocol.EINVAL)
	assert.ErrorIs(t, fs.Mount(filepath.Join(dir, "missing"), "", "x"), protocol.ENOMEDIUM)
}

func TestPosixDF(t *testing.T) {
	fs := PosixFS{}
	dir := t.TempDir()

	space, err := fs.DF(dir)
	require.NoError(t, err)
	assert.Positive(t, space.Free)
	assert.False(t, space.ReadOnly)
}

func TestPosixSync(t *testing.T) {
	fs := PosixFS{}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "obj"), []byte("payload"), 0600))
	assert.NoError(t, fs.Sync(dir))
}

func TestPosixRegistered(t *testing.T) {
	fsa, err := NewFS(types.FSPosix)
	require.NoError(t, err)
	assert.IsType(t, PosixFS{}, fsa)
}
