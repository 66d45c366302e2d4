package codec

import (
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/avdemux/internal/media"
)

// TSCodecInfo describes a track codec detected by the mediacommon reader.
type TSCodecInfo struct {
	Type       media.Type
	Name       string
	SampleRate int
	Channels   int
	// FrameSamples is the number of samples per audio frame, 0 when unknown.
	FrameSamples int
	// Decodable reports whether the reader delivers access units for it.
	Decodable bool
}

// FromTSCodec maps a mediacommon track codec.
func FromTSCodec(c mpegts.Codec) TSCodecInfo {
	switch c := c.(type) {
	case *mpegts.CodecH264:
		return TSCodecInfo{Type: media.TypeVideo, Name: string(VideoH264), Decodable: true}
	case *mpegts.CodecH265:
		return TSCodecInfo{Type: media.TypeVideo, Name: string(VideoH265), Decodable: true}
	case *mpegts.CodecMPEG1Video:
		return TSCodecInfo{Type: media.TypeVideo, Name: string(VideoMPEG2)}
	case *mpegts.CodecMPEG4Video:
		return TSCodecInfo{Type: media.TypeVideo, Name: string(VideoMPEG4)}
	case *mpegts.CodecMPEG4Audio:
		return TSCodecInfo{
			Type:         media.TypeAudio,
			Name:         string(AudioAAC),
			SampleRate:   c.Config.SampleRate,
			Channels:     c.Config.ChannelCount,
			FrameSamples: 1024,
			Decodable:    true,
		}
	case *mpegts.CodecAC3:
		return TSCodecInfo{
			Type:         media.TypeAudio,
			Name:         string(AudioAC3),
			SampleRate:   c.SampleRate,
			Channels:     c.ChannelCount,
			FrameSamples: 1536,
			Decodable:    true,
		}
	case *mpegts.CodecEAC3:
		return TSCodecInfo{
			Type:         media.TypeAudio,
			Name:         string(AudioEAC3),
			SampleRate:   c.SampleRate,
			Channels:     c.ChannelCount,
			FrameSamples: 1536,
			Decodable:    true,
		}
	case *mpegts.CodecMPEG1Audio:
		return TSCodecInfo{Type: media.TypeAudio, Name: string(AudioMP3), SampleRate: 48000, Channels: 2, FrameSamples: 1152, Decodable: true}
	case *mpegts.CodecOpus:
		return TSCodecInfo{Type: media.TypeAudio, Name: string(AudioOpus), SampleRate: 48000, Channels: c.ChannelCount, FrameSamples: 960, Decodable: true}
	default:
		return TSCodecInfo{Type: media.TypeData, Name: DataUnknown}
	}
}
