package library

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAudioFile(t *testing.T) {
	e := NewExtractor([]string{".MP3", ".flac"}, quietLogger())

	tests := []struct {
		path string
		want bool
	}{
		{"song.mp3", true},
		{"SONG.MP3", true},
		{"dir/track.flac", true},
		{"track.wav", false},
		{"cover.jpg", false},
		{"noext", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, e.IsAudioFile(tt.path))
		})
	}
}

func TestExtractFromUntaggedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Untitled Demo.wav")
	require.NoError(t, os.WriteFile(path, []byte("garbage bytes"), 0o644))

	e := NewExtractor([]string{".wav"}, quietLogger())
	item, err := e.ExtractFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Untitled Demo", item.Title)
	assert.Equal(t, "Unknown Artist", item.Artist)
	assert.Equal(t, int64(0), item.DurationMs)
	assert.Equal(t, int64(13), item.FileSize)
	assert.Equal(t, TrackID(path), item.ID)
	assert.False(t, item.HasAlbumArt)
}

func TestExtractMissingFile(t *testing.T) {
	e := NewExtractor([]string{".wav"}, quietLogger())
	_, err := e.ExtractFromFile(filepath.Join(t.TempDir(), "gone.wav"))
	assert.Error(t, err)
}

func TestTrackIDIsStable(t *testing.T) {
	assert.Equal(t, TrackID("/music/a.mp3"), TrackID("/music/a.mp3"))
	assert.NotEqual(t, TrackID("/music/a.mp3"), TrackID("/music/b.mp3"))
	assert.Len(t, TrackID("/music/a.mp3"), 36)
}

func TestAlbumArtMimeType(t *testing.T) {
	assert.Equal(t, "image/jpeg", AlbumArtMimeType([]byte{0xFF, 0xD8, 0xFF, 0xE0}))
	assert.Equal(t, "image/png", AlbumArtMimeType([]byte{0x89, 0x50, 0x4E, 0x47}))
	assert.Equal(t, "image/gif", AlbumArtMimeType([]byte("GIF89a")))
	assert.Equal(t, "application/octet-stream", AlbumArtMimeType([]byte{0x00}))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "audio/mpeg", ContentType("/a/B.MP3"))
	assert.Equal(t, "audio/flac", ContentType("b.flac"))
	assert.Equal(t, "application/octet-stream", ContentType("c.ogg"))
}
