// Package hls implements the HTTP Live Streaming backend. Playlists are
// parsed with gohlslib; transport stream segments are demuxed by the mpegts
// backend reading the concatenated segment data.
package hls

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/avdemux/internal/backend/mpegts"
	"github.com/jmylchreest/avdemux/internal/media"
)

// Name is the backend name.
const Name = "hls"

const (
	longName = "Apple HTTP Live Streaming"

	// DefaultRefreshMin is the shortest live playlist refresh interval.
	DefaultRefreshMin = 500 * time.Millisecond

	// defaultLiveStartIndex starts live playback three segments from the end.
	defaultLiveStartIndex = -3
)

// httpOptions are forwarded to every nested request.
var httpOptions = []string{"headers", "user_agent", "referer", "cookies"}

// Config configures the backend.
type Config struct {
	RefreshMin time.Duration
	Logger     *slog.Logger
}

// Backend is the hls media.Backend.
type Backend struct {
	cfg Config
	ts  *mpegts.Backend
}

// New returns the hls backend.
func New(cfg Config) *Backend {
	if cfg.RefreshMin <= 0 {
		cfg.RefreshMin = DefaultRefreshMin
	}
	return &Backend{cfg: cfg, ts: mpegts.New(mpegts.Config{Logger: cfg.Logger})}
}

// Name implements media.Backend.
func (b *Backend) Name() string { return Name }

// LongName implements media.Backend.
func (b *Backend) LongName() string { return longName }

// Extensions implements media.Backend.
func (b *Backend) Extensions() []string { return []string{"m3u8"} }

// Flags implements media.Backend.
func (b *Backend) Flags() media.Flags { return 0 }

// Probe implements media.Backend.
func (b *Backend) Probe(pd media.ProbeData) int {
	buf := bytes.TrimPrefix(pd.Buf, []byte("\xef\xbb\xbf"))
	if bytes.HasPrefix(buf, []byte("#EXTM3U")) {
		for _, tag := range []string{"#EXT-X-STREAM-INF", "#EXT-X-TARGETDURATION", "#EXT-X-MEDIA-SEQUENCE"} {
			if bytes.Contains(buf, []byte(tag)) {
				return media.ProbeScoreMax
			}
		}
	}
	if media.URLExtension(pd.URL) == "m3u8" {
		return media.ProbeScoreExtension
	}
	return 0
}

// Open implements media.Backend.
func (b *Backend) Open(ctx context.Context, rawURL string, opts *media.OpenOptions) (media.Context, error) {
	if opts == nil {
		opts = &media.OpenOptions{}
	}
	if opts.Options == nil {
		opts.Options = media.Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = b.cfg.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Context{
		cfg:       b.cfg,
		backend:   b,
		logger:    logger.With(slog.String("backend", Name)),
		url:       rawURL,
		ioOpen:    opts.IOOpen,
		ioOptions: media.Options{},
		interrupt: opts.Interrupt,
		variant:   -1,
		liveStart: defaultLiveStartIndex,
	}
	c.firstTS.Store(media.NoTimestamp)
	if err := c.takeOptions(opts.Options); err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrInvalidData, err)
	}

	if err := c.open(ctx, opts); err != nil {
		return nil, err
	}
	return c, nil
}

// Context is an opened HLS presentation.
type Context struct {
	cfg     Config
	backend *Backend
	logger  *slog.Logger

	url       string
	ioOpen    media.IOOpenFunc
	ioOptions media.Options
	interrupt media.Interrupt
	variant   int
	liveStart int
	bandwidth int

	state    *playlistState
	live     bool
	seekable atomic.Bool

	inner  *mpegts.Context
	reader *segmentReader

	streams  []*media.StreamInfo
	programs []*media.ProgramInfo
	byPID    map[int]int
	discard  []bool
	progOff  []bool

	// anchorSeq is the segment whose start is firstTS.
	anchorSeq int64
	firstTS   atomic.Int64

	probeSize int64
	analyze   time.Duration
}

func (c *Context) takeOptions(opts media.Options) error {
	if v, ok := opts.Take("variant"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("option variant: invalid value %q", v)
		}
		c.variant = n
	}
	if v, ok := opts.Take("live_start_index"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("option live_start_index: invalid value %q", v)
		}
		c.liveStart = n
	}
	for _, k := range httpOptions {
		if v, ok := opts.Take(k); ok {
			c.ioOptions[k] = v
		}
	}
	return nil
}

func (c *Context) open(ctx context.Context, opts *media.OpenOptions) error {
	rc, err := opts.OpenIO(ctx, c.url)
	if err != nil {
		return err
	}
	body, err := readLimited(rc, maxPlaylistSize)
	rc.Close()
	if err != nil {
		return err
	}

	pl, err := playlist.Unmarshal(body)
	if err != nil {
		return fmt.Errorf("%w: parsing playlist: %w", media.ErrInvalidData, err)
	}

	mediaURL := c.url
	var m *playlist.Media
	switch pl := pl.(type) {
	case *playlist.Multivariant:
		v, err := selectVariant(pl, c.variant)
		if err != nil {
			return err
		}
		c.bandwidth = v.Bandwidth
		mediaURL = resolveURL(c.url, v.URI)
		c.logger.Debug("variant selected",
			slog.Int("bandwidth", v.Bandwidth),
			slog.String("uri", v.URI))

		body, err := c.fetch(mediaURL, c.interrupt, maxPlaylistSize)
		if err != nil {
			return fmt.Errorf("fetching media playlist: %w", err)
		}
		if m, err = parseMedia(body); err != nil {
			return err
		}
	case *playlist.Media:
		if err := checkMedia(pl); err != nil {
			return err
		}
		m = pl
	}

	if len(m.Segments) == 0 && m.Endlist {
		return fmt.Errorf("%w: playlist has no segments", media.ErrInvalidData)
	}

	c.state = newPlaylistState(mediaURL, m)
	c.live = !m.Endlist

	start := 0
	if c.live {
		start = len(m.Segments) + c.liveStart
		if c.liveStart >= 0 {
			start = c.liveStart
		}
		start = max(0, min(start, len(m.Segments)-1))
	}
	c.anchorSeq = c.state.startSeq + int64(start)

	if err := c.openAt(ctx, c.anchorSeq, c.interrupt); err != nil {
		return err
	}
	c.adoptStreams()

	c.logger.Debug("playlist opened",
		slog.String("url", mediaURL),
		slog.Bool("live", c.live),
		slog.Int("segments", len(m.Segments)),
		slog.Int64("start_seq", c.anchorSeq))
	return nil
}

// openAt starts a transport stream demuxer at segment seq, replacing the
// current one.
func (c *Context) openAt(ctx context.Context, seq int64, intr media.Interrupt) error {
	r := newSegmentReader(c, seq)
	r.setInterrupt(intr)
	mc, err := c.backend.ts.Open(ctx, "", &media.OpenOptions{
		Options:   media.Options{"index": "false"},
		Interrupt: c.interrupt,
		Input:     r,
		Logger:    c.logger,
	})
	r.setInterrupt(nil)
	if err != nil {
		r.Close()
		return err
	}

	inner := mc.(*mpegts.Context)
	if c.probeSize > 0 {
		inner.SetProbe(c.probeSize, c.analyze)
	}
	old := c.inner
	c.inner, c.reader = inner, r
	if old != nil {
		old.Close()
		c.applyDiscards()
	}
	return nil
}

// adoptStreams exposes the streams of the first segment demuxer.
func (c *Context) adoptStreams() {
	c.streams = c.inner.Streams()
	c.programs = c.inner.Programs()
	c.byPID = make(map[int]int, len(c.streams))
	for i, s := range c.streams {
		c.byPID[s.ID] = i
		if c.bandwidth > 0 {
			s.Metadata["variant_bitrate"] = strconv.Itoa(c.bandwidth)
		}
		if c.live {
			s.HLSPlaylist = c.state
		}
	}
	c.discard = make([]bool, len(c.streams))
	c.progOff = make([]bool, len(c.programs))
}

// applyDiscards replays the discard flags on a new segment demuxer.
func (c *Context) applyDiscards() {
	for i, s := range c.inner.Streams() {
		if idx, ok := c.byPID[s.ID]; ok {
			c.inner.SetStreamDiscard(i, c.discard[idx])
		}
	}
	for i, p := range c.inner.Programs() {
		for j, q := range c.programs {
			if q.ProgramNumber == p.ProgramNumber {
				c.inner.SetProgramDiscard(i, c.progOff[j])
			}
		}
	}
}

// Format implements media.Context.
func (c *Context) Format() media.FormatInfo {
	f := c.inner.Format()
	f.Name = Name
	f.LongName = longName
	f.Extensions = "m3u8"
	if first := c.firstTS.Load(); first != media.NoTimestamp {
		f.StartTime = first
	}
	f.Duration = 0
	if !c.live {
		f.Duration = c.state.total().Microseconds()
	}
	if c.bandwidth > 0 {
		f.BitRate = int64(c.bandwidth)
	}
	return f
}

// Streams implements media.Context.
func (c *Context) Streams() []*media.StreamInfo { return c.streams }

// Programs implements media.Context.
func (c *Context) Programs() []*media.ProgramInfo { return c.programs }

// Chapters implements media.Context.
func (c *Context) Chapters() []*media.ChapterInfo { return nil }

// SetProbe implements media.Context.
func (c *Context) SetProbe(probeSize int64, analyzeDuration time.Duration) {
	c.probeSize, c.analyze = probeSize, analyzeDuration
	c.inner.SetProbe(probeSize, analyzeDuration)
}

// FindStreamInfo implements media.Context.
func (c *Context) FindStreamInfo() error {
	if err := c.inner.FindStreamInfo(); err != nil {
		return err
	}
	if start := c.inner.Format().StartTime; start != media.NoTimestamp {
		c.firstTS.CompareAndSwap(media.NoTimestamp, start)
	}
	return nil
}

// ReadPacket implements media.Context.
func (c *Context) ReadPacket(pkt *media.Packet) error {
	for {
		if err := c.inner.ReadPacket(pkt); err != nil {
			return err
		}
		inner := c.inner.Streams()
		if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(inner) {
			continue
		}
		idx, ok := c.byPID[inner[pkt.StreamIndex].ID]
		if !ok {
			continue
		}
		pkt.StreamIndex = idx
		if ts := pkt.Timestamp(); ts != media.NoTimestamp {
			c.firstTS.CompareAndSwap(media.NoTimestamp, media.Rescale(ts, media.TimeBaseMPEG, media.TimeBaseMicros))
		}
		return nil
	}
}

// Seek implements media.Context. The target is mapped to the segment that
// starts closest to it inside [Min, Max].
func (c *Context) Seek(req media.SeekRequest) error {
	if media.Interrupted(c.interrupt) {
		return media.ErrExit
	}
	if c.live && !c.seekable.Load() {
		return media.ErrNotSeekable
	}
	if req.Flags&media.SeekByte != 0 {
		return fmt.Errorf("%w: byte seeking is not supported", media.ErrSeekFailed)
	}
	first := c.firstTS.Load()
	if first == media.NoTimestamp {
		return fmt.Errorf("%w: timeline not established", media.ErrSeekFailed)
	}

	tb := media.TimeBaseMicros
	if req.StreamIndex >= 0 && req.StreamIndex < len(c.streams) {
		tb = c.streams[req.StreamIndex].TimeBase
	}
	conv := func(ts int64) int64 {
		if ts == media.NoTimestamp || ts == math.MaxInt64 {
			return ts
		}
		return media.Rescale(ts, tb, media.TimeBaseMicros)
	}
	minTS, target, maxTS := conv(req.Min), conv(req.TS), conv(req.Max)

	best := int64(-1)
	bestDist := uint64(math.MaxUint64)
	for _, seg := range c.state.window() {
		start := first + c.state.offset(c.anchorSeq, seg.seq).Microseconds()
		if (minTS != media.NoTimestamp && start < minTS) || (maxTS != media.NoTimestamp && maxTS != math.MaxInt64 && start > maxTS) {
			continue
		}
		d := start - target
		if d < 0 {
			d = -d
		}
		if uint64(d) < bestDist {
			best, bestDist = seg.seq, uint64(d)
		}
	}
	if best < 0 {
		return fmt.Errorf("%w: no segment in range", media.ErrSeekFailed)
	}

	c.logger.Debug("seeking to segment", slog.Int64("seq", best), slog.Int64("ts", target))
	return c.openAt(context.Background(), best, c.interrupt)
}

// Flush implements media.Context.
func (c *Context) Flush() { c.inner.Flush() }

// IOPosition implements media.Context.
func (c *Context) IOPosition() (int64, bool) {
	pos, _ := c.inner.IOPosition()
	return pos, false
}

// SeekIO implements media.Context.
func (c *Context) SeekIO(int64) error { return media.ErrNotSeekable }

// SetStreamDiscard implements media.Context.
func (c *Context) SetStreamDiscard(index int, discard bool) {
	if index < 0 || index >= len(c.discard) {
		return
	}
	c.discard[index] = discard
	c.applyDiscards()
}

// SetProgramDiscard implements media.Context.
func (c *Context) SetProgramDiscard(index int, discard bool) {
	if index < 0 || index >= len(c.progOff) {
		return
	}
	c.progOff[index] = discard
	c.applyDiscards()
}

// HLS implements media.Context. Only live playlists expose the playlist
// context.
func (c *Context) HLS() media.HLSContext {
	if !c.live {
		return nil
	}
	return c
}

// FirstTimestamp implements media.HLSContext.
func (c *Context) FirstTimestamp() int64 {
	return c.firstTS.Load()
}

// MarkSeekable implements media.HLSContext.
func (c *Context) MarkSeekable() {
	c.seekable.Store(true)
}

// Close implements media.Context.
func (c *Context) Close() error {
	c.reader.Close()
	return c.inner.Close()
}
