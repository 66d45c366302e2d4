package demux

import (
	"strings"
	"sync/atomic"

	"github.com/jmylchreest/avdemux/internal/media"
)

// Track is one elementary stream of the opened input, as discovered at open time.
// Apart from Enabled, a Track does not change after Open returns.
type Track struct {
	Index       int
	ID          int
	Type        media.Type
	Codec       string
	TimeBase    media.Rational
	Language    string
	Title       string
	Disposition media.Disposition
	Metadata    map[string]string

	// StartTimePts is the first timestamp in TimeBase units.
	StartTimePts int64
	// StartTime and Duration are in ticks.
	StartTime int64
	Duration  int64

	// Video
	PixelFormat string
	Width       int
	Height      int
	FPS         float64
	// FrameDuration is the frame interval in ticks, or 0 when unknown.
	FrameDuration int64

	// Audio
	SampleRate int
	Channels   int

	// HLSPlaylist is the live playlist feeding this track, or nil.
	HLSPlaylist media.HLSPlaylist

	enabled atomic.Bool
}

// Enabled reports whether the track's packets are being delivered.
func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

// ToTicks converts a timestamp in the track timebase to ticks.
func (t *Track) ToTicks(ts int64) int64 {
	return t.TimeBase.ToTicks(ts)
}

// IsEnglish reports whether the track is tagged with an English language code.
func (t *Track) IsEnglish() bool {
	return isEnglish(t.Language)
}

func newTrack(si *media.StreamInfo, fmtStartUs int64) *Track {
	t := &Track{
		Index:       si.Index,
		ID:          si.ID,
		Type:        si.Type,
		Codec:       si.Codec,
		TimeBase:    si.TimeBase,
		Language:    si.Language(),
		Title:       si.Title(),
		Disposition: si.Disposition,
		Metadata:    si.Metadata,
		PixelFormat: si.PixelFormat,
		Width:       si.Width,
		Height:      si.Height,
		SampleRate:  si.SampleRate,
		Channels:    si.Channels,
		HLSPlaylist: si.HLSPlaylist,
	}

	switch {
	case si.StartTime != media.NoTimestamp:
		t.StartTimePts = si.StartTime
	case fmtStartUs != media.NoTimestamp:
		t.StartTimePts = media.Rescale(fmtStartUs, media.TimeBaseMicros, si.TimeBase)
	}
	t.StartTime = t.ToTicks(t.StartTimePts)
	if si.Duration != media.NoTimestamp && si.Duration > 0 {
		t.Duration = t.ToTicks(si.Duration)
	}

	if si.FrameRate.Valid() {
		t.FPS = si.FrameRate.Float()
		t.FrameDuration = int64(float64(media.TicksPerSecond) / t.FPS)
	}
	return t
}

// Program is a group of tracks of a multi-program input.
type Program struct {
	Index         int
	ID            int
	ProgramNumber int
	Name          string
	Metadata      map[string]string
	Tracks        []*Track

	enabled atomic.Bool
}

// Enabled reports whether the program is not discarded.
func (p *Program) Enabled() bool {
	return p.enabled.Load()
}

func (p *Program) contains(t *Track) bool {
	for _, pt := range p.Tracks {
		if pt == t {
			return true
		}
	}
	return false
}

// Chapter is a chapter marker; Start and End are ticks relative to the input start.
type Chapter struct {
	Start int64
	End   int64
	Title string
}

var englishCodes = map[string]struct{}{"en": {}, "eng": {}, "english": {}}

func isEnglish(lang string) bool {
	_, ok := englishCodes[strings.ToLower(lang)]
	return ok
}
