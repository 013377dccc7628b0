package handles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ReleaseClosesDanglingHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "PO_1.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))

	r := NewRegistry()
	h1, err := r.Open(path)
	require.NoError(t, err)
	_, err = r.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, r.OpenCount(path))

	require.NoError(t, h1.Close())
	assert.Equal(t, 1, r.OpenCount(path))

	assert.Equal(t, 1, r.Release(path))
	assert.Equal(t, 0, r.OpenCount(path))
	assert.Equal(t, 0, r.Release(path))

	// double close is harmless
	assert.NoError(t, h1.Close())
}

func TestRegistry_OpenMissingFile(t *testing.T) {
	r := NewRegistry()
	_, err := r.Open(filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)
	assert.Equal(t, 0, r.OpenCount("missing.pdf"))
}
