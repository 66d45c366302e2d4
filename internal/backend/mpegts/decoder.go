package mpegts

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	tsformat "github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/avdemux/internal/codec"
	"github.com/jmylchreest/avdemux/internal/media"
)

// Frame is one access unit decoded from a transport stream. Timestamps are
// in 90kHz units.
type Frame struct {
	PID      uint16
	PTS      int64
	DTS      int64
	Duration int64
	Key      bool
	Data     []byte
	// Pos is the source byte offset after the frame was read, set by Pump.
	Pos int64

	// Width and Height are set when the access unit carried a parsable SPS.
	Width  int
	Height int
}

// Track is an elementary stream the decoder found in the PMT.
type Track struct {
	PID   uint16
	Codec codec.TSCodecInfo
}

// Decoder turns a transport stream into access units with mediacommon.
type Decoder struct {
	r       *tsformat.Reader
	tracks  []Track
	pending []Frame
	logger  *slog.Logger
}

// NewDecoder reads src until the PMT is found and registers a handler for
// every track mediacommon can decode.
func NewDecoder(src io.Reader, logger *slog.Logger) (*Decoder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Decoder{
		r:      &tsformat.Reader{R: src},
		logger: logger,
	}
	if err := d.r.Initialize(); err != nil {
		if errors.Is(err, media.ErrExit) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: initializing mpegts reader: %w", media.ErrInvalidData, err)
	}

	for _, t := range d.r.Tracks() {
		info := codec.FromTSCodec(t.Codec)
		d.tracks = append(d.tracks, Track{PID: t.PID, Codec: info})
		d.attach(t, info)
	}

	d.r.OnDecodeError(func(err error) {
		d.logger.Debug("mpegts decode error", slog.String("error", err.Error()))
	})
	return d, nil
}

// Tracks returns the tracks of the PMT in PID order of appearance.
func (d *Decoder) Tracks() []Track {
	return d.tracks
}

// Next returns the next access unit in decode order.
func (d *Decoder) Next() (Frame, error) {
	for len(d.pending) == 0 {
		if err := d.r.Read(); err != nil {
			return Frame{}, err
		}
	}
	f := d.pending[0]
	d.pending[0] = Frame{}
	d.pending = d.pending[1:]
	return f, nil
}

func (d *Decoder) push(f Frame) {
	d.pending = append(d.pending, f)
}

func (d *Decoder) attach(t *tsformat.Track, info codec.TSCodecInfo) {
	pid := t.PID

	var frameDur int64
	if info.FrameSamples > 0 && info.SampleRate > 0 {
		frameDur = int64(info.FrameSamples) * 90000 / int64(info.SampleRate)
	}

	splitAudio := func(pts int64, units [][]byte) error {
		for _, u := range units {
			if len(u) == 0 {
				continue
			}
			d.push(Frame{
				PID:      pid,
				PTS:      pts,
				DTS:      pts,
				Duration: frameDur,
				Key:      true,
				Data:     append([]byte(nil), u...),
			})
			pts += frameDur
		}
		return nil
	}

	switch t.Codec.(type) {
	case *tsformat.CodecH264:
		d.r.OnDataH264(t, func(pts, dts int64, au [][]byte) error {
			return d.pushVideo(pid, pts, dts, au, h264.IsRandomAccess(au), h264SPSSize(au))
		})

	case *tsformat.CodecH265:
		d.r.OnDataH265(t, func(pts, dts int64, au [][]byte) error {
			return d.pushVideo(pid, pts, dts, au, h265.IsRandomAccess(au), h265SPSSize(au))
		})

	case *tsformat.CodecMPEG4Audio:
		d.r.OnDataMPEG4Audio(t, splitAudio)

	case *tsformat.CodecMPEG1Audio:
		d.r.OnDataMPEG1Audio(t, splitAudio)

	case *tsformat.CodecOpus:
		d.r.OnDataOpus(t, splitAudio)

	case *tsformat.CodecAC3:
		d.r.OnDataAC3(t, func(pts int64, frame []byte) error {
			return splitAudio(pts, [][]byte{frame})
		})

	case *tsformat.CodecEAC3:
		d.r.OnDataEAC3(t, func(pts int64, frame []byte) error {
			return splitAudio(pts, [][]byte{frame})
		})

	default:
		d.logger.Debug("track without decoder",
			slog.Uint64("pid", uint64(pid)),
			slog.String("type", fmt.Sprintf("%T", t.Codec)))
	}
}

func (d *Decoder) pushVideo(pid uint16, pts, dts int64, au [][]byte, key bool, size [2]int) error {
	if len(au) == 0 {
		return nil
	}
	data, err := h264.AnnexB(au).Marshal()
	if err != nil || len(data) == 0 {
		return nil
	}
	d.push(Frame{
		PID:    pid,
		PTS:    pts,
		DTS:    dts,
		Key:    key,
		Data:   data,
		Width:  size[0],
		Height: size[1],
	})
	return nil
}

func h264SPSSize(au [][]byte) [2]int {
	for _, nalu := range au {
		if len(nalu) == 0 || h264.NALUType(nalu[0]&0x1F) != h264.NALUTypeSPS {
			continue
		}
		var sps h264.SPS
		if err := sps.Unmarshal(nalu); err == nil {
			return [2]int{sps.Width(), sps.Height()}
		}
	}
	return [2]int{}
}

func h265SPSSize(au [][]byte) [2]int {
	for _, nalu := range au {
		if len(nalu) < 2 || h265.NALUType((nalu[0]>>1)&0b111111) != h265.NALUType_SPS_NUT {
			continue
		}
		var sps h265.SPS
		if err := sps.Unmarshal(nalu); err == nil {
			return [2]int{sps.Width(), sps.Height()}
		}
	}
	return [2]int{}
}
