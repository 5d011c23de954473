//go:build unix

package fileid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, make([]byte, 1234), 0o600))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(path, link))
	other := filepath.Join(dir, "other")
	require.NoError(t, os.WriteFile(other, nil, 0o600))

	info, err := FromPath(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1234, info.Size)

	viaLink, err := FromPath(link)
	require.NoError(t, err)
	assert.Equal(t, info.Resource, viaLink.Resource)

	otherInfo, err := FromPath(other)
	require.NoError(t, err)
	assert.NotEqual(t, info.Resource, otherInfo.Resource)
	assert.Zero(t, otherInfo.Size)
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	info, err := FromFile(f)
	require.NoError(t, err)
	byPath, err := FromPath(path)
	require.NoError(t, err)
	assert.Equal(t, byPath, info)
}

func TestFromPathMissing(t *testing.T) {
	_, err := FromPath(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
