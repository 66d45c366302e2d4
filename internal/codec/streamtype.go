package codec

import "github.com/jmylchreest/avdemux/internal/media"

// MPEG-TS stream type constants.
const (
	StreamTypeMPEG1Video  uint8 = 0x01
	StreamTypeMPEG2Video  uint8 = 0x02
	StreamTypeMPEG1Audio  uint8 = 0x03
	StreamTypeMPEG2Audio  uint8 = 0x04
	StreamTypePrivatePES  uint8 = 0x06
	StreamTypeAAC         uint8 = 0x0F
	StreamTypeMPEG4Video  uint8 = 0x10
	StreamTypeAACLATM     uint8 = 0x11
	StreamTypeMetadataPES uint8 = 0x15
	StreamTypeH264        uint8 = 0x1B
	StreamTypeH265        uint8 = 0x24
	StreamTypeLPCM        uint8 = 0x80
	StreamTypeAC3         uint8 = 0x81
	StreamTypeDTS         uint8 = 0x82
	StreamTypeTrueHD      uint8 = 0x83
	StreamTypeSCTE35      uint8 = 0x86
	StreamTypeEAC3        uint8 = 0x87
	StreamTypePGS         uint8 = 0x90
	StreamTypeVC1         uint8 = 0xEA
)

// ESHints carries what the PMT descriptors of an elementary stream say about
// a private (0x06) stream.
type ESHints struct {
	Subtitling   bool
	Teletext     bool
	AC3          bool
	EAC3         bool
	DTS          bool
	Registration string
}

// ClassifyStreamType maps a PMT stream type and descriptor hints to a media
// type and codec name. Unknown streams are reported as data.
func ClassifyStreamType(streamType uint8, hints ESHints) (media.Type, string) {
	switch streamType {
	case StreamTypeMPEG1Video:
		return media.TypeVideo, string(VideoMPEG1)
	case StreamTypeMPEG2Video:
		return media.TypeVideo, string(VideoMPEG2)
	case StreamTypeMPEG4Video:
		return media.TypeVideo, string(VideoMPEG4)
	case StreamTypeH264:
		return media.TypeVideo, string(VideoH264)
	case StreamTypeH265:
		return media.TypeVideo, string(VideoH265)
	case StreamTypeVC1:
		return media.TypeVideo, string(VideoVC1)
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio:
		return media.TypeAudio, string(AudioMP2)
	case StreamTypeAAC:
		return media.TypeAudio, string(AudioAAC)
	case StreamTypeAACLATM:
		return media.TypeAudio, string(AudioAACLATM)
	case StreamTypeLPCM:
		return media.TypeAudio, string(AudioPCM)
	case StreamTypeAC3:
		return media.TypeAudio, string(AudioAC3)
	case StreamTypeDTS:
		return media.TypeAudio, string(AudioDTS)
	case StreamTypeTrueHD:
		return media.TypeAudio, string(AudioTrueHD)
	case StreamTypeEAC3:
		return media.TypeAudio, string(AudioEAC3)
	case StreamTypePGS:
		return media.TypeSubtitle, string(SubtitlePGS)
	case StreamTypeSCTE35:
		return media.TypeData, DataSCTE35
	case StreamTypeMetadataPES:
		return media.TypeData, DataTimedID3
	case StreamTypePrivatePES:
		return classifyPrivate(hints)
	}
	return media.TypeData, DataUnknown
}

func classifyPrivate(h ESHints) (media.Type, string) {
	switch {
	case h.Subtitling:
		return media.TypeSubtitle, string(SubtitleDVB)
	case h.Teletext:
		return media.TypeSubtitle, string(SubtitleTeletext)
	case h.EAC3:
		return media.TypeAudio, string(AudioEAC3)
	case h.AC3:
		return media.TypeAudio, string(AudioAC3)
	case h.DTS:
		return media.TypeAudio, string(AudioDTS)
	}

	switch h.Registration {
	case "Opus":
		return media.TypeAudio, string(AudioOpus)
	case "AC-3":
		return media.TypeAudio, string(AudioAC3)
	case "EAC3":
		return media.TypeAudio, string(AudioEAC3)
	case "KLVA":
		return media.TypeData, DataKLV
	case "ID3 ":
		return media.TypeData, DataTimedID3
	}
	return media.TypeData, DataUnknown
}
