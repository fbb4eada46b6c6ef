package taskfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTaskID_FindsMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.md")
	require.NoError(t, os.WriteFile(path, []byte("# Title\n\n<!-- taskId: abc-123 -->\n\nbody"), 0o644))

	assert.Equal(t, "abc-123", ExtractTaskID(path))
}

func TestExtractTaskID_ToleratesExtraWhitespace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.md")
	require.NoError(t, os.WriteFile(path, []byte("<!--   taskId:    xyz_9   -->"), 0o644))

	assert.Equal(t, "xyz_9", ExtractTaskID(path))
}

func TestExtractTaskID_NoMarkerReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.md")
	require.NoError(t, os.WriteFile(path, []byte("# Title\n\nno marker here"), 0o644))

	assert.Equal(t, "", ExtractTaskID(path))
}

func TestExtractTaskID_MissingFileReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", ExtractTaskID(filepath.Join(t.TempDir(), "does-not-exist.md")))
}

func TestExtractTaskID_EmptyPathReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", ExtractTaskID(""))
}

func TestNeedsReview(t *testing.T) {
	cases := []struct {
		title string
		want  bool
	}{
		{"Review: fix the parser", true},
		{"Verify: double check output", true},
		{"Implement new feature", false},
		{"review: lowercase does not match", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NeedsReview(tc.title), "title=%q", tc.title)
	}
}
