package codec

import (
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/avdemux/internal/media"
)

func TestParseVideo(t *testing.T) {
	tests := []struct {
		input    string
		expected Video
		ok       bool
	}{
		{"h264", VideoH264, true},
		{"avc1", VideoH264, true},
		{"hevc", VideoH265, true},
		{"HVC1", VideoH265, true},
		{" mpeg2 ", VideoMPEG2, true},
		{"", "", false},
		{"xyz123", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseVideo(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseAudio(t *testing.T) {
	tests := []struct {
		input    string
		expected Audio
		ok       bool
	}{
		{"aac", AudioAAC, true},
		{"mp4a", AudioAAC, true},
		{"EC-3", AudioEAC3, true},
		{"dca", AudioDTS, true},
		{"h264", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseAudio(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalizeHLSCodec(t *testing.T) {
	tests := map[string]string{
		"avc1.64001f":    "h264",
		"hvc1.1.6.L93":   "h265",
		"mp4a.40.2":      "aac",
		"ec-3":           "eac3",
		"ac-3":           "ac3",
		"wvtt":           "webvtt",
		"stpp.ttml.im1t": "ttml",
		"unknown.1":      "unknown.1",
		"":               "",
	}

	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, NormalizeHLSCodec(in))
		})
	}
}

func TestHLSCodecsHaveVideo(t *testing.T) {
	assert.True(t, HLSCodecsHaveVideo([]string{"mp4a.40.2", "avc1.4d401f"}))
	assert.False(t, HLSCodecsHaveVideo([]string{"mp4a.40.2"}))
	assert.False(t, HLSCodecsHaveVideo(nil))
}

func TestSubtitle_IsBitmap(t *testing.T) {
	assert.True(t, SubtitlePGS.IsBitmap())
	assert.True(t, SubtitleDVB.IsBitmap())
	assert.False(t, SubtitleSubRip.IsBitmap())
	assert.False(t, SubtitleTeletext.IsBitmap())
}

func TestClassifyStreamType(t *testing.T) {
	tests := []struct {
		name       string
		streamType uint8
		hints      ESHints
		wantType   media.Type
		wantCodec  string
	}{
		{"h264", StreamTypeH264, ESHints{}, media.TypeVideo, "h264"},
		{"h265", StreamTypeH265, ESHints{}, media.TypeVideo, "h265"},
		{"mpeg2 video", StreamTypeMPEG2Video, ESHints{}, media.TypeVideo, "mpeg2video"},
		{"aac", StreamTypeAAC, ESHints{}, media.TypeAudio, "aac"},
		{"mpeg audio", StreamTypeMPEG1Audio, ESHints{}, media.TypeAudio, "mp2"},
		{"ac3", StreamTypeAC3, ESHints{}, media.TypeAudio, "ac3"},
		{"eac3", StreamTypeEAC3, ESHints{}, media.TypeAudio, "eac3"},
		{"pgs", StreamTypePGS, ESHints{}, media.TypeSubtitle, "hdmv_pgs_subtitle"},
		{"scte35", StreamTypeSCTE35, ESHints{}, media.TypeData, "scte_35"},
		{"private dvb subtitles", StreamTypePrivatePES, ESHints{Subtitling: true}, media.TypeSubtitle, "dvb_subtitle"},
		{"private teletext", StreamTypePrivatePES, ESHints{Teletext: true}, media.TypeSubtitle, "dvb_teletext"},
		{"private eac3 wins over ac3", StreamTypePrivatePES, ESHints{AC3: true, EAC3: true}, media.TypeAudio, "eac3"},
		{"private opus", StreamTypePrivatePES, ESHints{Registration: "Opus"}, media.TypeAudio, "opus"},
		{"private klv", StreamTypePrivatePES, ESHints{Registration: "KLVA"}, media.TypeData, "klv"},
		{"private unknown", StreamTypePrivatePES, ESHints{}, media.TypeData, "bin_data"},
		{"unknown", 0x42, ESHints{}, media.TypeData, "bin_data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, name := ClassifyStreamType(tt.streamType, tt.hints)
			assert.Equal(t, tt.wantType, typ)
			assert.Equal(t, tt.wantCodec, name)
		})
	}
}

func TestFromTSCodec(t *testing.T) {
	info := FromTSCodec(&mpegts.CodecMPEG4Audio{Config: mpeg4audio.Config{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   44100,
		ChannelCount: 2,
	}})
	assert.Equal(t, media.TypeAudio, info.Type)
	assert.Equal(t, "aac", info.Name)
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, 1024, info.FrameSamples)
	assert.True(t, info.Decodable)

	info = FromTSCodec(&mpegts.CodecH264{})
	assert.Equal(t, media.TypeVideo, info.Type)
	assert.True(t, info.Decodable)

	info = FromTSCodec(&mpegts.CodecOpus{ChannelCount: 2})
	assert.Equal(t, 48000, info.SampleRate)

	info = FromTSCodec(&mpegts.CodecUnsupported{})
	assert.Equal(t, media.TypeData, info.Type)
	assert.False(t, info.Decodable)
}
