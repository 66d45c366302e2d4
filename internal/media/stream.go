package media

import "strings"

// Disposition flags of a stream.
type Disposition uint32

// Disposition values.
const (
	DispositionDefault Disposition = 1 << iota
	DispositionForced
	DispositionAttachedPic
	DispositionHearingImpaired
	DispositionVisualImpaired
	DispositionComment
)

// Has reports whether all bits of f are set.
func (d Disposition) Has(f Disposition) bool {
	return d&f == f
}

// String lists the set flags separated by '|'.
func (d Disposition) String() string {
	var parts []string
	names := []struct {
		f Disposition
		n string
	}{
		{DispositionDefault, "default"},
		{DispositionForced, "forced"},
		{DispositionAttachedPic, "attached_pic"},
		{DispositionHearingImpaired, "hearing_impaired"},
		{DispositionVisualImpaired, "visual_impaired"},
		{DispositionComment, "comment"},
	}
	for _, n := range names {
		if d.Has(n.f) {
			parts = append(parts, n.n)
		}
	}
	return strings.Join(parts, "|")
}

// StreamInfo describes one elementary stream of an opened input.
// Backends own the value; the demuxer copies what it needs during discovery.
type StreamInfo struct {
	Index int
	// ID is the container-level identifier (PID for transport streams).
	ID          int
	Type        Type
	Codec       string
	TimeBase    Rational
	StartTime   int64
	Duration    int64
	Disposition Disposition
	Metadata    map[string]string

	// Video
	PixelFormat string
	Width       int
	Height      int
	FrameRate   Rational

	// Audio
	SampleRate int
	Channels   int

	// HLSPlaylist is set by segmented live backends for streams fed by a playlist.
	HLSPlaylist HLSPlaylist
}

// Language returns the "language" metadata tag, or "".
func (s *StreamInfo) Language() string {
	return MetadataValue(s.Metadata, "language")
}

// Title returns the "title" metadata tag, or "".
func (s *StreamInfo) Title() string {
	return MetadataValue(s.Metadata, "title")
}

// ProgramInfo describes a program of a multi-program container.
type ProgramInfo struct {
	ID            int
	ProgramNumber int
	StreamIndices []int
	Metadata      map[string]string
}

// ChapterInfo describes a chapter; Start and End are in TimeBase units.
type ChapterInfo struct {
	ID       int64
	TimeBase Rational
	Start    int64
	End      int64
	Metadata map[string]string
}

// FormatInfo is the container-level description of an opened input.
// StartTime and Duration are in microseconds; StartTime is NoTimestamp when unknown.
type FormatInfo struct {
	Name              string
	LongName          string
	Extensions        string
	StartTime         int64
	StartTimeRealtime int64
	Duration          int64
	BitRate           int64
	Metadata          map[string]string
}

// MetadataValue looks up key case-insensitively.
func MetadataValue(m map[string]string, key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
