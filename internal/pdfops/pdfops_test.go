package pdfops

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceLifecycle(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), "test")
	require.NoError(t, err)

	dir := ws.Dir()
	require.DirExists(t, dir)

	sub, err := ws.Mkdir("pages")
	require.NoError(t, err)
	require.DirExists(t, sub)

	path := ws.Path("a.pdf")
	assert.Equal(t, filepath.Join(dir, "a.pdf"), path)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	ws.Close()
	assert.NoDirExists(t, dir)

	// Close is idempotent.
	ws.Close()
}

func TestWriteTextPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pdf")
	require.NoError(t, WriteTextPDF(path, "Fax cover sheet\nPatient: (ALICE) \\ SMITH"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	content := string(data)
	assert.True(t, len(content) > 0)
	assert.Equal(t, "%PDF-1.4\n", content[:9])
	assert.Contains(t, content, "Fax cover sheet")
	// Parentheses and backslashes are escaped inside text strings.
	assert.Contains(t, content, `\(ALICE\)`)
	assert.Contains(t, content, `\\`)
	assert.Contains(t, content, "%%EOF")
}

func TestWrapLines(t *testing.T) {
	long := "aaaaaaaaaabbbbbbbbbb"
	got := wrapLines(long, 10)
	assert.Equal(t, []string{"aaaaaaaaaa", "bbbbbbbbbb"}, got)

	got = wrapLines("one\r\ntwo", 90)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestNormalizeContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", normalizeContentType("Application/PDF"))
	assert.Equal(t, "text/plain", normalizeContentType(" text/plain; charset=utf-8 "))
	assert.Equal(t, "", normalizeContentType(""))
}

func TestMergeRejectsUnsupportedType(t *testing.T) {
	in := filepath.Join(t.TempDir(), "image.png")
	require.NoError(t, os.WriteFile(in, []byte("png"), 0o644))

	err := NewMerger().Merge(context.Background(),
		[]InputDoc{{LocalPath: in, ContentType: "image/png"}},
		filepath.Join(t.TempDir(), "out.pdf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported content type")
}

func TestMergeRejectsEmptyInput(t *testing.T) {
	err := NewMerger().Merge(context.Background(), nil, filepath.Join(t.TempDir(), "out.pdf"))
	assert.Error(t, err)
}
