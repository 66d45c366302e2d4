// Package codec names the elementary stream codecs the backends report and
// maps container level identifiers (MPEG-TS stream types, HLS CODECS
// attributes, mediacommon track codecs) onto them.
package codec

import "strings"

// Video represents a video codec.
type Video string

// Video codec constants.
const (
	VideoH264  Video = "h264"
	VideoH265  Video = "h265"
	VideoMPEG1 Video = "mpeg1video"
	VideoMPEG2 Video = "mpeg2video"
	VideoMPEG4 Video = "mpeg4"
	VideoVC1   Video = "vc1"
	VideoAV1   Video = "av1"
	VideoVP9   Video = "vp9"
	VideoMJPEG Video = "mjpeg"
)

// Audio represents an audio codec.
type Audio string

// Audio codec constants.
const (
	AudioAAC     Audio = "aac"
	AudioAACLATM Audio = "aac_latm"
	AudioMP2     Audio = "mp2"
	AudioMP3     Audio = "mp3"
	AudioAC3     Audio = "ac3"
	AudioEAC3    Audio = "eac3"
	AudioOpus    Audio = "opus"
	AudioDTS     Audio = "dts"
	AudioTrueHD  Audio = "truehd"
	AudioPCM     Audio = "pcm_bluray"
)

// Subtitle represents a subtitle codec.
type Subtitle string

// Subtitle codec constants.
const (
	SubtitleSubRip   Subtitle = "subrip"
	SubtitleWebVTT   Subtitle = "webvtt"
	SubtitleDVB      Subtitle = "dvb_subtitle"
	SubtitleTeletext Subtitle = "dvb_teletext"
	SubtitlePGS      Subtitle = "hdmv_pgs_subtitle"
	SubtitleDVD      Subtitle = "dvd_subtitle"
)

// Data stream codecs.
const (
	DataKLV      = "klv"
	DataSCTE35   = "scte_35"
	DataTimedID3 = "timed_id3"
	DataUnknown  = "bin_data"
)

// String returns the string representation of the video codec.
func (v Video) String() string {
	return string(v)
}

// String returns the string representation of the audio codec.
func (a Audio) String() string {
	return string(a)
}

// String returns the string representation of the subtitle codec.
func (s Subtitle) String() string {
	return string(s)
}

// IsBitmap reports whether the subtitle codec carries images rather than text.
func (s Subtitle) IsBitmap() bool {
	switch s {
	case SubtitleDVB, SubtitlePGS, SubtitleDVD:
		return true
	default:
		return false
	}
}

var videoAliases = map[Video][]string{
	VideoH264:  {"h264", "avc", "avc1", "avc3", "h.264"},
	VideoH265:  {"h265", "hevc", "hev1", "hvc1", "h.265"},
	VideoMPEG1: {"mpeg1video", "mpeg1"},
	VideoMPEG2: {"mpeg2video", "mpeg2"},
	VideoMPEG4: {"mpeg4", "mp4v"},
	VideoVC1:   {"vc1", "wmv3"},
	VideoAV1:   {"av1", "av01"},
	VideoVP9:   {"vp9", "vp09"},
	VideoMJPEG: {"mjpeg", "jpeg"},
}

var audioAliases = map[Audio][]string{
	AudioAAC:     {"aac", "mp4a"},
	AudioAACLATM: {"aac_latm", "latm"},
	AudioMP2:     {"mp2", "mpeg1audio"},
	AudioMP3:     {"mp3", "mp3float"},
	AudioAC3:     {"ac3", "ac-3", "a52"},
	AudioEAC3:    {"eac3", "ec-3"},
	AudioOpus:    {"opus"},
	AudioDTS:     {"dts", "dca"},
	AudioTrueHD:  {"truehd", "mlp"},
	AudioPCM:     {"pcm_bluray", "lpcm"},
}

var (
	videoAliasIndex map[string]Video
	audioAliasIndex map[string]Audio
)

func init() {
	videoAliasIndex = make(map[string]Video)
	for c, aliases := range videoAliases {
		for _, alias := range aliases {
			videoAliasIndex[alias] = c
		}
	}

	audioAliasIndex = make(map[string]Audio)
	for c, aliases := range audioAliases {
		for _, alias := range aliases {
			audioAliasIndex[alias] = c
		}
	}
}

// ParseVideo parses a codec name or alias to a Video codec.
func ParseVideo(s string) (Video, bool) {
	if s == "" {
		return "", false
	}
	c, ok := videoAliasIndex[strings.ToLower(strings.TrimSpace(s))]
	return c, ok
}

// ParseAudio parses a codec name or alias to an Audio codec.
func ParseAudio(s string) (Audio, bool) {
	if s == "" {
		return "", false
	}
	c, ok := audioAliasIndex[strings.ToLower(strings.TrimSpace(s))]
	return c, ok
}

// Normalize converts any known codec alias to its canonical form.
// Returns the input unchanged if not recognized.
func Normalize(name string) string {
	if v, ok := ParseVideo(name); ok {
		return string(v)
	}
	if a, ok := ParseAudio(name); ok {
		return string(a)
	}
	return name
}

// NormalizeHLSCodec normalizes an entry of an HLS CODECS attribute
// (e.g. "avc1.64001f", "mp4a.40.2") to its canonical codec name.
func NormalizeHLSCodec(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return name
	}

	if n := Normalize(lower); n != lower {
		return n
	}

	base, _, _ := strings.Cut(lower, ".")
	if n := Normalize(base); n != base {
		return n
	}

	switch {
	case lower == "wvtt":
		return string(SubtitleWebVTT)
	case lower == "stpp.ttml.im1t":
		return "ttml"
	}
	return name
}

// HLSCodecsHaveVideo reports whether a CODECS attribute lists a video codec.
func HLSCodecsHaveVideo(codecs []string) bool {
	for _, c := range codecs {
		if _, ok := ParseVideo(NormalizeHLSCodec(c)); ok {
			return true
		}
	}
	return false
}
