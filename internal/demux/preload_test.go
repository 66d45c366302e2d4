package demux

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

const srtCue = "1\n00:00:01,000 --> 00:00:02,000\n"

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestSubtitleFilePath(t *testing.T) {
	srt := writeFile(t, "movie.en.srt", []byte(srtCue))
	mkv := writeFile(t, "movie.mkv", []byte{0x1a, 0x45})
	dir := filepath.Join(t.TempDir(), "folder.srt")
	require.NoError(t, os.Mkdir(dir, 0o700))

	p, ok := subtitleFilePath(srt)
	assert.True(t, ok)
	assert.Equal(t, srt, p)

	p, ok = subtitleFilePath("file://" + srt)
	assert.True(t, ok)
	assert.Equal(t, srt, p)

	gz := writeFile(t, "movie.srt.gz", []byte{0x1f, 0x8b})
	p, ok = subtitleFilePath(gz)
	assert.True(t, ok)
	assert.Equal(t, gz, p)

	_, ok = subtitleFilePath(writeFile(t, "movie.mkv.xz", nil))
	assert.False(t, ok)

	_, ok = subtitleFilePath(mkv)
	assert.False(t, ok, "not a text subtitle extension")

	_, ok = subtitleFilePath(filepath.Join(t.TempDir(), "missing.srt"))
	assert.False(t, ok)

	_, ok = subtitleFilePath(dir)
	assert.False(t, ok)
}

func TestLoadTextSubtitle_Encodings(t *testing.T) {
	utf16le := []byte{0xff, 0xfe}
	for _, r := range srtCue + "Hi\n" {
		utf16le = append(utf16le, byte(r), 0)
	}

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"utf-8", []byte(srtCue + "café\n"), srtCue + "café\n"},
		{"utf-8 with bom", append([]byte{0xef, 0xbb, 0xbf}, []byte(srtCue+"café\n")...), srtCue + "café\n"},
		{"latin-1", []byte(srtCue + "caf\xe9\n"), srtCue + "café\n"},
		{"utf-16le with bom", utf16le, srtCue + "Hi\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "sub.srt", tt.data)

			out, enc, err := loadTextSubtitle(path, 1024)
			require.NoError(t, err)
			assert.NotEmpty(t, enc)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestLoadTextSubtitle_TooBig(t *testing.T) {
	path := writeFile(t, "big.srt", make([]byte, 64))

	_, _, err := loadTextSubtitle(path, 64)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too big")

	_, _, err = loadTextSubtitle(filepath.Join(t.TempDir(), "missing.srt"), 64)
	assert.Error(t, err)
}

func TestLoadTextSubtitle_Compressed(t *testing.T) {
	text := srtCue + "caf\xe9\n"

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	_, err := gw.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	require.NoError(t, err)
	_, err = xw.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, xw.Close())

	tests := []struct {
		name string
		file string
		data []byte
	}{
		{"gzip", "sub.srt.gz", gzBuf.Bytes()},
		{"xz", "sub.srt.xz", xzBuf.Bytes()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.data)

			out, _, err := loadTextSubtitle(path, 1024)
			require.NoError(t, err)
			assert.Equal(t, srtCue+"café\n", string(out))
		})
	}

	t.Run("decompressed size limit", func(t *testing.T) {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		_, err := gw.Write(bytes.Repeat([]byte("a"), 4096))
		require.NoError(t, err)
		require.NoError(t, gw.Close())

		path := writeFile(t, "big.srt.gz", buf.Bytes())
		_, _, err = loadTextSubtitle(path, 1024)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too big")
	})
}
