package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTileURL(t *testing.T) {
	tests := []struct {
		template string
		x, y, z  int
		want     string
	}{
		{"https://tile.example.org/{z}/{x}/{y}.png", 3, 5, 4, "https://tile.example.org/4/3/5.png"},
		{"https://tms.example.org/{z}/{x}/{-y}.png", 3, 5, 4, "https://tms.example.org/4/3/10.png"},
		{"tiles/{z}-{x}-{y}", 0, 0, 0, "tiles/0-0-0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GetTileURL(tt.template, tt.x, tt.y, tt.z))
	}
}

func TestSniffImageFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", []byte("\x89PNG\r\n\x1a\n0000"), "png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}, "jpeg"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "webp"},
		{"gif", []byte("GIF89a......"), "gif"},
		{"html error page", []byte("<html>not found</html>"), ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SniffImageFormat(tt.data))
		})
	}
}

func TestValidateFileFormat(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	assert.True(t, ValidateFileFormat(png, 0, 0))
	assert.False(t, ValidateFileFormat(png, 100, 0))
	assert.False(t, ValidateFileFormat(png, 0, 4))
	assert.False(t, ValidateFileFormat([]byte("error: forbidden"), 0, 0))
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "file.bin")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"n": 3}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(data))
}

func TestTouchFileAndExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marker")

	assert.False(t, FileExists(path))
	require.NoError(t, TouchFile(path))
	require.NoError(t, TouchFile(path))
	assert.True(t, FileExists(path))
	assert.False(t, FileExists(dir))
}

func TestErrorStats(t *testing.T) {
	es := NewErrorStats()
	assert.False(t, es.HasErrors())

	es.RecordFailure(ReasonAbsent, nil)
	es.RecordFailure(ReasonAbsent, nil)
	es.RecordFailure(ReasonTimeout, errors.New("Get \"x\": context deadline exceeded"))
	es.RecordFailure(ReasonWrite, errors.New("disk full"))

	assert.True(t, es.HasErrors())
	assert.Equal(t, 4, es.Total())
	assert.Equal(t, map[string]int{ReasonAbsent: 2, ReasonTimeout: 1, ReasonWrite: 1}, es.ReasonCounts())
	assert.Equal(t, map[string]int{"timeout": 1, "disk full": 1}, es.GetErrorStats())
}
