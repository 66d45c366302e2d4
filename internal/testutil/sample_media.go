// Package testutil provides test utilities including sample media generation.
package testutil

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// Sample stream layout.
const (
	VideoPID = 256
	AudioPID = 257

	// FrameTicks is the video frame interval at the default 25fps, in 90kHz units.
	FrameTicks = int64(90000 / 25)
	// AACFrameTicks is the duration of one 1024 sample AAC frame at 48kHz.
	AACFrameTicks = int64(1024 * 90000 / 48000)
)

// H.264 parameter sets of a 1920x1080 baseline stream.
var (
	SPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	PPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// TSOptions describes a sample transport stream.
type TSOptions struct {
	// Frames is the number of video frames.
	Frames int
	// GOP is the keyframe interval in frames.
	GOP int
	// BasePTS is the timestamp of the first frame in 90kHz units.
	BasePTS int64
	Audio   bool
	// AudioFirst writes each step's audio frames ahead of the video frame.
	AudioFirst bool
}

// SampleMediaGenerator produces deterministic sample media.
type SampleMediaGenerator struct {
	rng *rand.Rand
}

// NewSampleMediaGenerator creates a generator seeded from the clock.
func NewSampleMediaGenerator() *SampleMediaGenerator {
	return NewSampleMediaGeneratorWithSeed(time.Now().UnixNano())
}

// NewSampleMediaGeneratorWithSeed creates a generator with a fixed seed.
func NewSampleMediaGeneratorWithSeed(seed int64) *SampleMediaGenerator {
	return &SampleMediaGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *SampleMediaGenerator) payload(prefix ...byte) []byte {
	b := make([]byte, len(prefix)+8+g.rng.Intn(24))
	copy(b, prefix)
	// No zero bytes, so the payload never forms a start code.
	for i := len(prefix); i < len(b); i++ {
		b[i] = byte(1 + g.rng.Intn(255))
	}
	return b
}

// TransportStream muxes an H.264 stream with a keyframe every GOP frames
// and, optionally, an AAC track covering the same time span.
func (g *SampleMediaGenerator) TransportStream(o TSOptions) ([]byte, error) {
	if o.GOP <= 0 {
		o.GOP = 10
	}

	var buf bytes.Buffer
	video := &mpegts.Track{PID: VideoPID, Codec: &mpegts.CodecH264{}}
	tracks := []*mpegts.Track{video}

	var aac *mpegts.Track
	if o.Audio {
		aac = &mpegts.Track{
			PID: AudioPID,
			Codec: &mpegts.CodecMPEG4Audio{Config: mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   48000,
				ChannelCount: 2,
			}},
		}
		tracks = append(tracks, aac)
	}

	w := &mpegts.Writer{W: &buf, Tracks: tracks}
	if err := w.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts writer: %w", err)
	}

	audioPTS := o.BasePTS
	for i := 0; i < o.Frames; i++ {
		pts := o.BasePTS + int64(i)*FrameTicks
		au := [][]byte{g.payload(0x41, 0x9a)}
		if i%o.GOP == 0 {
			au = [][]byte{SPS, PPS, g.payload(0x65, 0x88, 0x84)}
		}

		writeAudio := func() error {
			for o.Audio && audioPTS < pts+FrameTicks {
				if err := w.WriteMPEG4Audio(aac, audioPTS, [][]byte{g.payload(0x21, 0x10)}); err != nil {
					return fmt.Errorf("writing audio frame: %w", err)
				}
				audioPTS += AACFrameTicks
			}
			return nil
		}

		if o.AudioFirst {
			if err := writeAudio(); err != nil {
				return nil, err
			}
		}
		if err := w.WriteH264(video, pts, pts, au); err != nil {
			return nil, fmt.Errorf("writing video frame %d: %w", i, err)
		}
		if err := writeAudio(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Segments cuts a continuous stream into count transport stream segments of
// framesPerSegment frames each, every one starting with a keyframe.
func (g *SampleMediaGenerator) Segments(count, framesPerSegment int, basePTS int64, audio bool) ([][]byte, error) {
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		seg, err := g.TransportStream(TSOptions{
			Frames:  framesPerSegment,
			GOP:     framesPerSegment,
			BasePTS: basePTS + int64(i*framesPerSegment)*FrameTicks,
			Audio:   audio,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}

// MediaPlaylist renders an HLS media playlist. Segment URIs are
// "seg<sequence>.ts".
func MediaPlaylist(firstSeq, count int, segDur time.Duration, endList bool) string {
	var sb strings.Builder
	target := int(segDur.Round(time.Second) / time.Second)
	if target < 1 {
		target = 1
	}
	fmt.Fprintf(&sb, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:%d\n#EXT-X-MEDIA-SEQUENCE:%d\n", target, firstSeq)
	for i := 0; i < count; i++ {
		fmt.Fprintf(&sb, "#EXTINF:%.3f,\nseg%d.ts\n", segDur.Seconds(), firstSeq+i)
	}
	if endList {
		sb.WriteString("#EXT-X-ENDLIST\n")
	}
	return sb.String()
}

// Variant is one entry of a multivariant playlist.
type Variant struct {
	Bandwidth int
	URI       string
}

// MultivariantPlaylist renders an HLS multivariant playlist.
func MultivariantPlaylist(variants ...Variant) string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, v := range variants {
		fmt.Fprintf(&sb, "#EXT-X-STREAM-INF:BANDWIDTH=%d,CODECS=\"avc1.42c028,mp4a.40.2\",RESOLUTION=1920x1080\n%s\n", v.Bandwidth, v.URI)
	}
	return sb.String()
}
