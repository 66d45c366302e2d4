package demux

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/ulikunitz/xz"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/jmylchreest/avdemux/internal/media"
)

// TextSubtitleExtensions are the extensions of subtitle files loaded into
// memory and converted to UTF-8 before opening.
var TextSubtitleExtensions = []string{"ass", "ssa", "srt", "sub", "txt", "text", "vtt", "smi", "sami", "lrc", "mpl", "pjs", "jss", "rt", "stl"}

// compressedExtensions are suffixes stripped before the subtitle extension
// is checked, e.g. movie.srt.gz.
var compressedExtensions = []string{"gz", "bz2", "xz"}

// subtitleFilePath returns the local path of u when it names an existing
// text subtitle file, optionally compressed.
func subtitleFilePath(u string) (string, bool) {
	ext := media.URLExtension(u)
	if slices.Contains(compressedExtensions, ext) {
		ext = media.URLExtension(u[:len(u)-len(ext)-1])
	}
	if !slices.Contains(TextSubtitleExtensions, ext) {
		return "", false
	}
	p := strings.TrimPrefix(u, "file://")
	fi, err := os.Stat(p)
	if err != nil || fi.IsDir() {
		return "", false
	}
	return p, true
}

// loadTextSubtitle reads a subtitle file and converts it to UTF-8. Gzip,
// bzip2 and xz files are decompressed first. The source encoding is taken
// from a byte order mark when present, otherwise detected from the content.
func loadTextSubtitle(path string, maxSize int64) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, "", err
	}
	if fi.Size() >= maxSize {
		return nil, "", fmt.Errorf("text subtitle is too big to load: %d bytes", fi.Size())
	}

	r, err := decompress(bufio.NewReader(f))
	if err != nil {
		return nil, "", err
	}
	raw, err := io.ReadAll(io.LimitReader(r, maxSize))
	if err != nil {
		return nil, "", fmt.Errorf("reading text subtitle: %w", err)
	}
	if int64(len(raw)) >= maxSize {
		return nil, "", fmt.Errorf("text subtitle is too big to load: over %d bytes decompressed", maxSize)
	}

	enc, name, _ := charset.DetermineEncoding(raw, "text/plain")
	out, _, err := transform.Bytes(unicode.BOMOverride(enc.NewDecoder()), raw)
	if err != nil {
		return nil, name, fmt.Errorf("decoding %s: %w", name, err)
	}
	return out, name, nil
}

// decompress detects the compression of br from its magic bytes.
func decompress(br *bufio.Reader) (io.Reader, error) {
	magic, _ := br.Peek(6)

	switch {
	case len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gz, nil
	case len(magic) >= 3 && magic[0] == 'B' && magic[1] == 'Z' && magic[2] == 'h':
		return bzip2.NewReader(br), nil
	case bytes.Equal(magic, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return xzr, nil
	}
	return br, nil
}

type preloadedSubtitle struct {
	*bytes.Reader
}

func (preloadedSubtitle) Close() error { return nil }
