package pdfdoc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentmerger/internal/handles"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestSniff(t *testing.T) {
	registry := handles.NewRegistry()
	kit := New(registry)

	pdfPath := writeFile(t, "real.pdf", []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n"))
	mime, err := kit.Sniff(pdfPath)
	require.NoError(t, err)
	assert.True(t, IsPDF(mime))
	assert.Equal(t, 0, registry.OpenCount(pdfPath))

	pngPath := writeFile(t, "fake.pdf", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	mime, err = kit.Sniff(pngPath)
	require.NoError(t, err)
	assert.False(t, IsPDF(mime))
	assert.Equal(t, "image/png", mime)
}

func TestSniff_MissingFile(t *testing.T) {
	_, err := New(nil).Sniff(filepath.Join(t.TempDir(), "gone.pdf"))
	assert.Error(t, err)
}

func TestMerge_NoInputs(t *testing.T) {
	err := New(nil).Merge(nil, filepath.Join(t.TempDir(), "out.pdf"))
	assert.Error(t, err)
}

func TestFirstPageText_BrokenFileReturnsError(t *testing.T) {
	registry := handles.NewRegistry()
	path := writeFile(t, "broken.pdf", []byte("%PDF-1.4 truncated"))
	_, err := New(registry).FirstPageText(path)
	assert.Error(t, err)
	assert.Equal(t, 0, registry.OpenCount(path))
}
