// Package subtitle implements the SubRip and WebVTT text subtitle backends.
// A document is parsed whole on open and exposed as one subtitle stream with
// a packet per cue.
package subtitle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"time"

	"github.com/jmylchreest/avdemux/internal/codec"
	"github.com/jmylchreest/avdemux/internal/media"
)

// Backend names.
const (
	NameSubRip = "subrip"
	NameWebVTT = "webvtt"
)

// DefaultMaxSize bounds the document size.
const DefaultMaxSize = 10 << 20

var srtStart = regexp.MustCompile(`^\s*\d+\s*\r?\n\s*\d{1,2}:\d{2}:\d{2}[,.]\d{1,3}\s*-->`)

// Config configures the backends.
type Config struct {
	MaxSize int64
	Logger  *slog.Logger
}

type format struct {
	name     string
	longName string
	ext      string
	codec    codec.Subtitle
}

// Backend is a text subtitle media.Backend.
type Backend struct {
	cfg Config
	f   format
}

// NewSubRip returns the SubRip backend.
func NewSubRip(cfg Config) *Backend {
	return newBackend(cfg, format{NameSubRip, "SubRip subtitle", "srt", codec.SubtitleSubRip})
}

// NewWebVTT returns the WebVTT backend.
func NewWebVTT(cfg Config) *Backend {
	return newBackend(cfg, format{NameWebVTT, "WebVTT subtitle", "vtt", codec.SubtitleWebVTT})
}

func newBackend(cfg Config, f format) *Backend {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	return &Backend{cfg: cfg, f: f}
}

// Name implements media.Backend.
func (b *Backend) Name() string { return b.f.name }

// LongName implements media.Backend.
func (b *Backend) LongName() string { return b.f.longName }

// Extensions implements media.Backend.
func (b *Backend) Extensions() []string { return []string{b.f.ext} }

// Flags implements media.Backend.
func (b *Backend) Flags() media.Flags { return 0 }

// Probe implements media.Backend.
func (b *Backend) Probe(pd media.ProbeData) int {
	buf := trimBOM(pd.Buf)
	switch b.f.name {
	case NameWebVTT:
		if line, _, _ := bytes.Cut(buf, []byte("\n")); isVTTHeader(string(bytes.TrimRight(line, "\r"))) {
			return media.ProbeScoreMax
		}
	case NameSubRip:
		if srtStart.Match(buf) {
			return media.ProbeScoreMax - 1
		}
	}
	return media.MatchExtension(pd, b.Extensions())
}

// Open implements media.Backend.
func (b *Backend) Open(ctx context.Context, url string, opts *media.OpenOptions) (media.Context, error) {
	if opts == nil {
		opts = &media.OpenOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = b.cfg.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("backend", b.f.name))

	if media.Interrupted(opts.Interrupt) {
		return nil, media.ErrExit
	}
	rc, err := opts.OpenIO(ctx, url)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, b.cfg.MaxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > b.cfg.MaxSize {
		return nil, fmt.Errorf("%w: subtitle larger than %d bytes", media.ErrInvalidData, b.cfg.MaxSize)
	}

	var cues []cue
	var skipped int
	switch b.f.name {
	case NameWebVTT:
		cues, skipped, err = parseWebVTT(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", media.ErrInvalidData, err)
		}
	default:
		cues, skipped = parseSubRip(data)
	}
	if len(cues) == 0 {
		return nil, fmt.Errorf("%w: no cues found", media.ErrInvalidData)
	}
	if skipped > 0 {
		logger.Warn("skipped malformed cues", slog.Int("count", skipped))
	}

	c := &Context{
		b:         b,
		cues:      cues,
		interrupt: opts.Interrupt,
	}
	end := int64(0)
	for _, q := range cues {
		end = max(end, q.end)
	}
	c.stream = &media.StreamInfo{
		Index:       0,
		Type:        media.TypeSubtitle,
		Codec:       b.f.codec.String(),
		TimeBase:    media.TimeBaseMillis,
		StartTime:   cues[0].start,
		Duration:    end - cues[0].start,
		Disposition: media.DispositionDefault,
		Metadata:    map[string]string{},
	}
	c.duration = end

	logger.Debug("subtitle opened", slog.Int("cues", len(cues)), slog.Int64("duration_ms", end))
	return c, nil
}

// Context is an opened subtitle document.
type Context struct {
	b         *Backend
	cues      []cue
	next      int
	stream    *media.StreamInfo
	duration  int64
	discard   bool
	interrupt media.Interrupt
}

// Format implements media.Context.
func (c *Context) Format() media.FormatInfo {
	return media.FormatInfo{
		Name:              c.b.f.name,
		LongName:          c.b.f.longName,
		Extensions:        c.b.f.ext,
		StartTime:         media.Rescale(c.cues[0].start, media.TimeBaseMillis, media.TimeBaseMicros),
		StartTimeRealtime: media.NoTimestamp,
		Duration:          media.Rescale(c.duration, media.TimeBaseMillis, media.TimeBaseMicros),
		Metadata:          map[string]string{},
	}
}

// Streams implements media.Context.
func (c *Context) Streams() []*media.StreamInfo { return []*media.StreamInfo{c.stream} }

// Programs implements media.Context.
func (c *Context) Programs() []*media.ProgramInfo { return nil }

// Chapters implements media.Context.
func (c *Context) Chapters() []*media.ChapterInfo { return nil }

// SetProbe implements media.Context.
func (c *Context) SetProbe(int64, time.Duration) {}

// FindStreamInfo implements media.Context.
func (c *Context) FindStreamInfo() error { return nil }

// ReadPacket implements media.Context.
func (c *Context) ReadPacket(pkt *media.Packet) error {
	if media.Interrupted(c.interrupt) {
		return media.ErrExit
	}
	if c.discard || c.next >= len(c.cues) {
		return io.EOF
	}
	q := c.cues[c.next]
	c.next++

	pkt.StreamIndex = 0
	pkt.PTS = q.start
	pkt.DTS = q.start
	pkt.Duration = q.end - q.start
	pkt.Pos = q.pos
	pkt.Flags = media.FlagKey
	pkt.Data = []byte(q.text)
	return nil
}

// Seek implements media.Context. It positions on the cue starting closest to
// the target inside [Min, Max]; with SeekByte the timestamps are cue indices.
func (c *Context) Seek(req media.SeekRequest) error {
	if media.Interrupted(c.interrupt) {
		return media.ErrExit
	}
	if req.Flags&media.SeekByte != 0 {
		if req.TS < 0 || req.TS >= int64(len(c.cues)) {
			return fmt.Errorf("%w: cue %d out of range", media.ErrSeekFailed, req.TS)
		}
		c.next = int(req.TS)
		return nil
	}

	conv := func(ts int64) int64 {
		if ts == media.NoTimestamp || ts == math.MaxInt64 || req.StreamIndex >= 0 {
			return ts
		}
		return media.Rescale(ts, media.TimeBaseMicros, media.TimeBaseMillis)
	}
	minTS, target, maxTS := conv(req.Min), conv(req.TS), conv(req.Max)

	best := -1
	bestDist := uint64(math.MaxUint64)
	for i, q := range c.cues {
		if minTS != media.NoTimestamp && q.start < minTS {
			continue
		}
		if maxTS != media.NoTimestamp && q.start > maxTS {
			continue
		}
		d := q.start - target
		if d < 0 {
			d = -d
		}
		if uint64(d) < bestDist {
			best, bestDist = i, uint64(d)
		}
	}
	if best < 0 {
		return fmt.Errorf("%w: no cue in range", media.ErrSeekFailed)
	}
	c.next = best
	return nil
}

// Flush implements media.Context.
func (c *Context) Flush() {}

// IOPosition implements media.Context. The position is the offset of the
// next cue.
func (c *Context) IOPosition() (int64, bool) {
	if c.next >= len(c.cues) {
		last := c.cues[len(c.cues)-1]
		return last.pos + 1, true
	}
	return c.cues[c.next].pos, true
}

// SeekIO implements media.Context.
func (c *Context) SeekIO(pos int64) error {
	for i, q := range c.cues {
		if q.pos == pos {
			c.next = i
			return nil
		}
	}
	for i, q := range c.cues {
		if q.pos >= pos {
			c.next = i
			return nil
		}
	}
	c.next = len(c.cues)
	return nil
}

// SetStreamDiscard implements media.Context.
func (c *Context) SetStreamDiscard(index int, discard bool) {
	if index == 0 {
		c.discard = discard
	}
}

// SetProgramDiscard implements media.Context.
func (c *Context) SetProgramDiscard(int, bool) {}

// HLS implements media.Context.
func (c *Context) HLS() media.HLSContext { return nil }

// Close implements media.Context.
func (c *Context) Close() error { return nil }
