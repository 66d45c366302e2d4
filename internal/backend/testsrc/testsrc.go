// Package testsrc implements a synthetic, deterministic capture source.
//
// It is opened through the device URL syntax, e.g.
//
//	fmt://testsrc?&duration=30&fps=25&gop=50&audio=1&subtitles=1
//
// and produces interleaved video, audio, subtitle and data packets with
// exact timestamps, which makes it suitable for exercising seek and reverse
// playback without media files.
package testsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/avdemux/internal/media"
)

// Name is the backend name.
const Name = "testsrc"

// ErrInjected is returned by reads while the errors option is being consumed.
var ErrInjected = errors.New("testsrc: injected read error")

// Backend is the testsrc media.Backend.
type Backend struct{}

// New returns the testsrc backend.
func New() *Backend { return &Backend{} }

// Name implements media.Backend.
func (b *Backend) Name() string { return Name }

// LongName implements media.Backend.
func (b *Backend) LongName() string { return "Synthetic test source" }

// Extensions implements media.Backend.
func (b *Backend) Extensions() []string { return nil }

// Flags implements media.Backend.
func (b *Backend) Flags() media.Flags { return media.FlagDevice | media.FlagNoFile }

// Probe implements media.Backend. The source is only selected explicitly.
func (b *Backend) Probe(media.ProbeData) int { return 0 }

// Params are the parsed source options.
type Params struct {
	Duration         time.Duration
	Start            time.Duration
	FPS              int
	GOP              int
	Video            int
	Audio            int
	SampleRate       int
	AudioFrame       int
	Subtitles        int
	SubtitleInterval time.Duration
	Data             int
	Programs         int
	Chapters         int
	AudioLanguages   []string
	SubLanguages     []string
	Live             bool
	AttachedPic      bool
	Unresolved       bool
	Errors           int
	Stall            bool
	PacketSize       int
}

// DefaultParams returns the parameters used when no option overrides them.
func DefaultParams() Params {
	return Params{
		Duration:         10 * time.Second,
		FPS:              25,
		GOP:              25,
		Video:            1,
		Audio:            1,
		SampleRate:       48000,
		AudioFrame:       1024,
		SubtitleInterval: 2 * time.Second,
		PacketSize:       100,
	}
}

// ParseParams consumes the testsrc keys from opts.
func ParseParams(opts media.Options) (Params, error) {
	p := DefaultParams()

	durations := map[string]*time.Duration{
		"duration":          &p.Duration,
		"start":             &p.Start,
		"subtitle_interval": &p.SubtitleInterval,
	}
	for key, dst := range durations {
		if v, ok := opts.Take(key); ok {
			d, err := parseSeconds(v)
			if err != nil {
				return p, fmt.Errorf("option %s: %w", key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"fps":         &p.FPS,
		"gop":         &p.GOP,
		"video":       &p.Video,
		"audio":       &p.Audio,
		"sample_rate": &p.SampleRate,
		"audio_frame": &p.AudioFrame,
		"subtitles":   &p.Subtitles,
		"data":        &p.Data,
		"programs":    &p.Programs,
		"chapters":    &p.Chapters,
		"errors":      &p.Errors,
		"packet_size": &p.PacketSize,
	}
	for key, dst := range ints {
		if v, ok := opts.Take(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return p, fmt.Errorf("option %s: invalid value %q", key, v)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"live":         &p.Live,
		"attached_pic": &p.AttachedPic,
		"unresolved":   &p.Unresolved,
		"stall":        &p.Stall,
	}
	for key, dst := range bools {
		if v, ok := opts.Take(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return p, fmt.Errorf("option %s: %w", key, err)
			}
			*dst = b
		}
	}

	if v, ok := opts.Take("audio_lang"); ok {
		p.AudioLanguages = strings.Split(v, ",")
	}
	if v, ok := opts.Take("sub_lang"); ok {
		p.SubLanguages = strings.Split(v, ",")
	}

	if p.FPS == 0 || p.GOP == 0 || p.SampleRate == 0 || p.AudioFrame == 0 {
		return p, errors.New("fps, gop, sample_rate and audio_frame must be positive")
	}
	if p.Video+p.Audio+p.Subtitles+p.Data == 0 {
		return p, errors.New("no streams requested")
	}
	return p, nil
}

func parseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

// Open implements media.Backend.
func (b *Backend) Open(_ context.Context, _ string, opts *media.OpenOptions) (media.Context, error) {
	if opts == nil {
		opts = &media.OpenOptions{}
	}
	if opts.Options == nil {
		opts.Options = media.Options{}
	}
	if media.Interrupted(opts.Interrupt) {
		return nil, media.ErrExit
	}

	p, err := ParseParams(opts.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrInvalidData, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Context{
		params:     p,
		interrupt:  opts.Interrupt,
		logger:     logger.With(slog.String("backend", Name)),
		errorsLeft: p.Errors,
	}
	c.build()
	return c, nil
}

// Context is an opened test source.
type Context struct {
	params     Params
	interrupt  media.Interrupt
	logger     *slog.Logger
	errorsLeft int

	streams  []*media.StreamInfo
	programs []*media.ProgramInfo
	chapters []*media.ChapterInfo
	gens     []*generator
	discard  []bool
	bytes    int64
}

// generator produces the packets of one stream.
type generator struct {
	stream *media.StreamInfo
	// step is the packet interval in stream timebase units.
	step int64
	// gop is the keyframe interval in packets (video only).
	gop  int
	next int64
	size int
	// end is the timestamp limit, or -1 for unbounded.
	end int64
}

func (g *generator) ts() int64 { return g.stream.StartTime + g.next*g.step }

func (g *generator) ticks() int64 { return g.stream.TimeBase.ToTicks(g.ts()) }

func (g *generator) done() bool { return g.end >= 0 && g.ts() >= g.end }

func (c *Context) build() {
	p := c.params
	startUs := p.Start.Microseconds()

	add := func(s *media.StreamInfo, step int64, gop, size int) {
		s.Index = len(c.streams)
		s.ID = 0x100 + s.Index
		s.StartTime = media.Rescale(startUs, media.TimeBaseMicros, s.TimeBase)
		end := int64(-1)
		if p.Duration > 0 {
			end = s.StartTime + media.Rescale(p.Duration.Microseconds(), media.TimeBaseMicros, s.TimeBase)
			s.Duration = end - s.StartTime
		} else {
			s.Duration = media.NoTimestamp
		}
		c.streams = append(c.streams, s)
		c.gens = append(c.gens, &generator{stream: s, step: step, gop: gop, size: size, end: end})
	}

	for i := 0; i < p.Video; i++ {
		pixFmt := "yuv420p"
		if p.Unresolved && i == p.Video-1 {
			pixFmt = ""
		}
		add(&media.StreamInfo{
			Type:        media.TypeVideo,
			Codec:       "h264",
			TimeBase:    media.TimeBaseMPEG,
			PixelFormat: pixFmt,
			Width:       320,
			Height:      240,
			FrameRate:   media.Rational{Num: int64(p.FPS), Den: 1},
			Metadata:    map[string]string{},
		}, int64(90000/p.FPS), p.GOP, p.PacketSize)
	}

	if p.AttachedPic {
		add(&media.StreamInfo{
			Type:        media.TypeVideo,
			Codec:       "mjpeg",
			TimeBase:    media.TimeBaseMPEG,
			PixelFormat: "yuvj420p",
			Disposition: media.DispositionAttachedPic,
			Metadata:    map[string]string{"title": "cover"},
		}, math.MaxInt32, 1, p.PacketSize)
	}

	for i := 0; i < p.Audio; i++ {
		md := map[string]string{}
		if i < len(p.AudioLanguages) && p.AudioLanguages[i] != "" {
			md["language"] = p.AudioLanguages[i]
		}
		add(&media.StreamInfo{
			Type:       media.TypeAudio,
			Codec:      "aac",
			TimeBase:   media.Rational{Num: 1, Den: int64(p.SampleRate)},
			SampleRate: p.SampleRate,
			Channels:   2,
			Metadata:   md,
		}, int64(p.AudioFrame), 1, p.PacketSize/2+1)
	}

	for i := 0; i < p.Subtitles; i++ {
		md := map[string]string{}
		if i < len(p.SubLanguages) && p.SubLanguages[i] != "" {
			md["language"] = p.SubLanguages[i]
		}
		add(&media.StreamInfo{
			Type:     media.TypeSubtitle,
			Codec:    "subrip",
			TimeBase: media.TimeBaseMillis,
			Metadata: md,
		}, p.SubtitleInterval.Milliseconds(), 1, 16)
	}

	for i := 0; i < p.Data; i++ {
		add(&media.StreamInfo{
			Type:     media.TypeData,
			Codec:    "klv",
			TimeBase: media.TimeBaseMPEG,
			Metadata: map[string]string{},
		}, int64(90000/p.FPS)*int64(p.GOP), 1, 8)
	}

	c.discard = make([]bool, len(c.streams))

	for i := 0; i < p.Programs; i++ {
		prog := &media.ProgramInfo{ID: i + 1, ProgramNumber: i + 1, Metadata: map[string]string{"service_name": fmt.Sprintf("Service %d", i+1)}}
		for idx := range c.streams {
			if idx%p.Programs == i {
				prog.StreamIndices = append(prog.StreamIndices, idx)
			}
		}
		c.programs = append(c.programs, prog)
	}

	if p.Chapters > 0 && p.Duration > 0 {
		chapterLen := p.Duration.Milliseconds() / int64(p.Chapters)
		base := p.Start.Milliseconds()
		for i := 0; i < p.Chapters; i++ {
			c.chapters = append(c.chapters, &media.ChapterInfo{
				ID:       int64(i),
				TimeBase: media.TimeBaseMillis,
				Start:    base + int64(i)*chapterLen,
				End:      base + int64(i+1)*chapterLen,
				Metadata: map[string]string{"Title": fmt.Sprintf("Chapter %d", i+1)},
			})
		}
	}
}

// Format implements media.Context.
func (c *Context) Format() media.FormatInfo {
	dur := c.params.Duration.Microseconds()
	if c.params.Live {
		dur = 0
	}
	return media.FormatInfo{
		Name:              Name,
		LongName:          "Synthetic test source",
		StartTime:         c.params.Start.Microseconds(),
		StartTimeRealtime: media.NoTimestamp,
		Duration:          dur,
		Metadata:          map[string]string{"encoder": "testsrc"},
	}
}

// Streams implements media.Context.
func (c *Context) Streams() []*media.StreamInfo { return c.streams }

// Programs implements media.Context.
func (c *Context) Programs() []*media.ProgramInfo { return c.programs }

// Chapters implements media.Context.
func (c *Context) Chapters() []*media.ChapterInfo { return c.chapters }

// SetProbe implements media.Context.
func (c *Context) SetProbe(int64, time.Duration) {}

// FindStreamInfo implements media.Context.
func (c *Context) FindStreamInfo() error {
	if media.Interrupted(c.interrupt) {
		return media.ErrExit
	}
	return nil
}

// ReadPacket implements media.Context.
func (c *Context) ReadPacket(pkt *media.Packet) error {
	if c.params.Stall {
		for !media.Interrupted(c.interrupt) {
			time.Sleep(2 * time.Millisecond)
		}
		return media.ErrExit
	}
	if media.Interrupted(c.interrupt) {
		return media.ErrExit
	}
	if c.errorsLeft > 0 {
		c.errorsLeft--
		return ErrInjected
	}

	g := c.nextGenerator()
	if g == nil {
		return io.EOF
	}

	pkt.StreamIndex = g.stream.Index
	pkt.PTS = g.ts()
	pkt.DTS = pkt.PTS
	pkt.Duration = g.step
	pkt.Pos = c.bytes
	pkt.Flags = 0
	size := g.size
	if g.stream.Type == media.TypeVideo && int(g.next)%g.gop == 0 {
		pkt.Flags |= media.FlagKey
		size *= 4
	} else if g.stream.Type != media.TypeVideo {
		pkt.Flags |= media.FlagKey
	}
	if g.stream.Type == media.TypeData {
		pkt.PTS = media.NoTimestamp
		pkt.DTS = media.NoTimestamp
	}
	pkt.Data = make([]byte, size)
	pkt.Data[0] = byte(g.stream.Index)

	c.bytes += int64(size)
	g.next++
	return nil
}

// nextGenerator returns the non-discarded stream with the lowest next timestamp.
func (c *Context) nextGenerator() *generator {
	var best *generator
	bestTicks := int64(math.MaxInt64)
	for i, g := range c.gens {
		if c.discard[i] || g.done() {
			continue
		}
		if g.stream.Disposition.Has(media.DispositionAttachedPic) && g.next > 0 {
			continue
		}
		if t := g.ticks(); t < bestTicks {
			best, bestTicks = g, t
		}
	}
	return best
}

// Seek implements media.Context.
func (c *Context) Seek(req media.SeekRequest) error {
	if media.Interrupted(c.interrupt) {
		return media.ErrExit
	}

	ref := c.referenceStream(req.StreamIndex)
	if ref == nil {
		return media.ErrSeekFailed
	}
	tb := media.TimeBaseMicros
	if req.StreamIndex >= 0 {
		tb = ref.stream.TimeBase
	}
	toRef := func(ts int64) int64 {
		if ts == media.NoTimestamp || ts == math.MaxInt64 {
			return ts
		}
		return media.Rescale(ts, tb, ref.stream.TimeBase)
	}
	minTS, target, maxTS := toRef(req.Min), toRef(req.TS), toRef(req.Max)

	keyOnly := req.Flags&media.SeekAny == 0
	stride := int64(1)
	if keyOnly {
		stride = int64(ref.gop)
	}

	total := int64(math.MaxInt64)
	if ref.end >= 0 {
		total = (ref.end - ref.stream.StartTime + ref.step - 1) / ref.step
	}

	// Candidate packet numbers are multiples of stride; pick the one closest
	// to target inside [min, max].
	idx := (target - ref.stream.StartTime) / ref.step
	if target < ref.stream.StartTime {
		idx = -1
	}
	lo := floorDiv(idx, stride) * stride
	hi := lo + stride
	best := int64(-1)
	bestDist := int64(math.MaxInt64)
	for _, n := range []int64{lo - stride, lo, hi} {
		if n < 0 || n >= total {
			continue
		}
		ts := ref.stream.StartTime + n*ref.step
		if (minTS != media.NoTimestamp && ts < minTS) || (maxTS != media.NoTimestamp && maxTS != math.MaxInt64 && ts > maxTS) {
			continue
		}
		d := ts - target
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			best, bestDist = n, d
		}
	}
	if best < 0 {
		return media.ErrSeekFailed
	}

	at := ref.stream.TimeBase.ToTicks(ref.stream.StartTime + best*ref.step)
	for _, g := range c.gens {
		if g == ref {
			g.next = best
			continue
		}
		rel := g.stream.TimeBase.FromTicks(at) - g.stream.StartTime
		n := (rel + g.step - 1) / g.step
		if n < 0 {
			n = 0
		}
		g.next = n
	}
	return nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func (c *Context) referenceStream(index int) *generator {
	if index >= 0 {
		if index < len(c.gens) {
			return c.gens[index]
		}
		return nil
	}
	for _, t := range []media.Type{media.TypeVideo, media.TypeAudio, media.TypeSubtitle, media.TypeData} {
		for _, g := range c.gens {
			if g.stream.Type == t && !g.stream.Disposition.Has(media.DispositionAttachedPic) {
				return g
			}
		}
	}
	return nil
}

// Flush implements media.Context.
func (c *Context) Flush() {}

// IOPosition implements media.Context.
func (c *Context) IOPosition() (int64, bool) { return c.bytes, false }

// SeekIO implements media.Context.
func (c *Context) SeekIO(int64) error { return media.ErrNotSeekable }

// SetStreamDiscard implements media.Context.
func (c *Context) SetStreamDiscard(index int, discard bool) {
	if index >= 0 && index < len(c.discard) {
		c.discard[index] = discard
	}
}

// SetProgramDiscard implements media.Context.
func (c *Context) SetProgramDiscard(int, bool) {}

// HLS implements media.Context.
func (c *Context) HLS() media.HLSContext { return nil }

// Close implements media.Context.
func (c *Context) Close() error {
	c.logger.Debug("test source closed", slog.Int64("bytes", c.bytes))
	return nil
}
