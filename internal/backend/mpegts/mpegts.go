// Package mpegts implements the MPEG transport stream backend.
//
// PSI tables are probed with astits, access units are extracted with the
// mediacommon reader. Seekable inputs are indexed at open so they report a
// duration and accept seek requests; other inputs are treated as live.
package mpegts

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/avdemux/internal/codec"
	"github.com/jmylchreest/avdemux/internal/media"
)

// Name is the backend name.
const Name = "mpegts"

const (
	longName = "MPEG-TS (MPEG-2 Transport Stream)"

	tsPacketSize = 188
	syncByte     = 0x47

	// DefaultProbeSize bounds the bytes read for PSI and stream analysis.
	DefaultProbeSize = 5_000_000
	// DefaultAnalyzeDuration bounds the stream time read by FindStreamInfo.
	DefaultAnalyzeDuration = 5 * time.Second

	probeChunk = 64 * 1024
	readBuffer = 64 * 1024
)

var extensions = []string{"ts", "m2t", "m2ts", "mts"}

// Config configures the backend.
type Config struct {
	// IndexMaxSize is the largest seekable input indexed at open. Zero
	// disables indexing.
	IndexMaxSize int64
	Logger       *slog.Logger
}

// Backend is the mpegts media.Backend.
type Backend struct {
	cfg Config
}

// New returns the mpegts backend.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

// Name implements media.Backend.
func (b *Backend) Name() string { return Name }

// LongName implements media.Backend.
func (b *Backend) LongName() string { return longName }

// Extensions implements media.Backend.
func (b *Backend) Extensions() []string { return extensions }

// Flags implements media.Backend.
func (b *Backend) Flags() media.Flags { return 0 }

// Probe implements media.Backend.
func (b *Backend) Probe(pd media.ProbeData) int {
	if hasSync(pd.Buf) {
		return media.ProbeScoreMax
	}
	if slices.Contains(extensions, media.URLExtension(pd.URL)) {
		return media.ProbeScoreExtension
	}
	if strings.HasPrefix(strings.ToLower(pd.URL), "srt://") {
		return media.ProbeScoreExtension
	}
	return 0
}

// hasSync reports whether buf starts with three consecutive TS packets.
func hasSync(buf []byte) bool {
	if len(buf) < 2*tsPacketSize+1 {
		return false
	}
	return buf[0] == syncByte && buf[tsPacketSize] == syncByte && buf[2*tsPacketSize] == syncByte
}

// Open implements media.Backend.
func (b *Backend) Open(ctx context.Context, url string, opts *media.OpenOptions) (media.Context, error) {
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
		interrupt:    opts.Interrupt,
		logger:       logger.With(slog.String("backend", Name)),
		probeSize:    DefaultProbeSize,
		analyze:      DefaultAnalyzeDuration,
		indexMaxSize: b.cfg.IndexMaxSize,
		startTime:    media.NoTimestamp,
		byPID:        map[uint16]int{},
	}
	if err := c.takeOptions(opts.Options); err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrInvalidData, err)
	}

	rc, err := opts.OpenIO(ctx, url)
	if err != nil {
		return nil, err
	}
	c.rc = rc

	if err := c.open(); err != nil {
		rc.Close()
		return nil, err
	}
	return c, nil
}

// Context is an opened transport stream.
type Context struct {
	interrupt    media.Interrupt
	logger       *slog.Logger
	probeSize    int64
	analyze      time.Duration
	indexMaxSize int64

	rc     io.ReadCloser
	seeker io.Seeker
	src    *countingReader
	closed atomic.Bool

	psi      *PSI
	streams  []*media.StreamInfo
	byPID    map[uint16]int
	programs []*media.ProgramInfo
	// streamPrograms lists the programs each stream belongs to.
	streamPrograms [][]int
	discard        []bool
	progDiscard    []bool

	index     *Index
	startTime int64
	duration  int64
	bitRate   int64

	pump   *Pump
	err    error
	replay []Frame
	pos    int64
}

func (c *Context) takeOptions(opts media.Options) error {
	if v, ok := opts.Take("probesize"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < tsPacketSize {
			return fmt.Errorf("option probesize: invalid value %q", v)
		}
		c.probeSize = n
	}
	if v, ok := opts.Take("analyzeduration"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("option analyzeduration: invalid value %q", v)
		}
		c.analyze = time.Duration(n) * time.Microsecond
	}
	if v, ok := opts.Take("index"); ok {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("option index: %w", err)
		}
		if !on {
			c.indexMaxSize = 0
		}
	}
	return nil
}

func (c *Context) open() error {
	probe, err := c.readPSI()
	if err != nil {
		return err
	}
	c.buildStreams()

	src := io.Reader(io.MultiReader(bytes.NewReader(probe), c.rc))
	if seeker, ok := c.rc.(io.Seeker); ok && canSeek(seeker) {
		if err := c.buildIndex(seeker); err != nil {
			return err
		}
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding input: %w", err)
		}
		c.seeker = seeker
		src = c.rc
	}

	dec, err := c.startDecoder(src, 0)
	if err != nil {
		return err
	}
	c.applyTracks(dec.Tracks())
	c.startPump(dec)

	c.logger.Debug("transport stream opened",
		slog.Int("programs", len(c.programs)),
		slog.Int("streams", len(c.streams)),
		slog.Bool("indexed", c.index != nil))
	return nil
}

// canSeek filters out seekers backed by pipes and sockets.
func canSeek(s io.Seeker) bool {
	_, err := s.Seek(0, io.SeekCurrent)
	return err == nil
}

// readPSI reads the head of the input until the PAT and every PMT parsed.
func (c *Context) readPSI() ([]byte, error) {
	buf := make([]byte, 0, probeChunk)
	chunk := make([]byte, probeChunk)
	parsedAt := 0

	for {
		if media.Interrupted(c.interrupt) {
			return nil, media.ErrExit
		}

		n, err := c.rc.Read(chunk)
		buf = append(buf, chunk[:n]...)
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return nil, err
		}

		full := int64(len(buf)) >= c.probeSize
		grown := n > 0 && (len(buf) >= 2*parsedAt || len(buf)-parsedAt >= probeChunk)
		if grown || eof || full {
			parsedAt = len(buf)
			psi, perr := ProbePSI(buf)
			if perr == nil {
				c.psi = psi
				return buf, nil
			}
			if eof || full {
				return nil, fmt.Errorf("%w: no complete program table in %d bytes", media.ErrInvalidData, len(buf))
			}
		}
	}
}

func (c *Context) buildStreams() {
	for _, prog := range c.psi.Programs {
		info := &media.ProgramInfo{
			ID:            int(prog.Number),
			ProgramNumber: int(prog.Number),
			Metadata:      map[string]string{},
		}
		if prog.Name != "" {
			info.Metadata["service_name"] = prog.Name
		}
		if prog.Provider != "" {
			info.Metadata["service_provider"] = prog.Provider
		}

		for _, es := range prog.Streams {
			idx, ok := c.byPID[es.PID]
			if !ok {
				idx = len(c.streams)
				c.byPID[es.PID] = idx
				c.streams = append(c.streams, newStream(idx, es))
				c.streamPrograms = append(c.streamPrograms, nil)
			}
			info.StreamIndices = append(info.StreamIndices, idx)
			c.streamPrograms[idx] = append(c.streamPrograms[idx], len(c.programs))
		}
		c.programs = append(c.programs, info)
	}
	c.discard = make([]bool, len(c.streams))
	c.progDiscard = make([]bool, len(c.programs))
}

func newStream(idx int, es ESInfo) *media.StreamInfo {
	s := &media.StreamInfo{
		Index:     idx,
		ID:        int(es.PID),
		Type:      es.Type,
		Codec:     es.Codec,
		TimeBase:  media.TimeBaseMPEG,
		StartTime: media.NoTimestamp,
		Duration:  media.NoTimestamp,
		Metadata:  map[string]string{},
	}
	if es.Language != "" {
		s.Metadata["language"] = es.Language
	}
	if es.HearingImpaired {
		s.Disposition |= media.DispositionHearingImpaired
	}
	return s
}

// applyTracks completes the PSI streams with what the decoder learned from
// the elementary stream headers.
func (c *Context) applyTracks(tracks []Track) {
	for _, t := range tracks {
		idx, ok := c.byPID[t.PID]
		if !ok {
			continue
		}
		s := c.streams[idx]
		if s.Type == media.TypeData && t.Codec.Type != media.TypeData {
			s.Type = t.Codec.Type
			s.Codec = t.Codec.Name
		}
		if t.Codec.Type == media.TypeAudio {
			if t.Codec.SampleRate > 0 {
				s.SampleRate = t.Codec.SampleRate
			}
			if t.Codec.Channels > 0 {
				s.Channels = t.Codec.Channels
			}
		}
	}
}

func (c *Context) buildIndex(seeker io.Seeker) error {
	if c.indexMaxSize <= 0 {
		return nil
	}
	size, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		c.logger.Debug("input size unknown, not indexing", slog.String("error", err.Error()))
		return nil
	}
	if size > c.indexMaxSize {
		c.logger.Debug("input too large to index", slog.Int64("size", size), slog.Int64("max", c.indexMaxSize))
		return nil
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding input: %w", err)
	}

	started := time.Now()
	idx, err := BuildIndex(bufio.NewReaderSize(c.rc, readBuffer), size, c.interrupt, c.logger)
	if err != nil {
		return err
	}
	c.index = idx
	c.applyIndex()

	c.logger.Debug("input indexed",
		slog.Int("frames", idx.Len()),
		slog.Duration("took", time.Since(started)))
	return nil
}

func (c *Context) applyIndex() {
	start, end := int64(math.MaxInt64), int64(math.MinInt64)
	for pid, r := range c.index.Ranges() {
		idx, ok := c.byPID[pid]
		if !ok {
			continue
		}
		s := c.streams[idx]
		s.StartTime = r.start
		s.Duration = r.end - r.start
		start = min(start, r.start)
		end = max(end, r.end)
	}
	if start > end {
		return
	}

	c.startTime = media.Rescale(start, media.TimeBaseMPEG, media.TimeBaseMicros)
	c.duration = media.Rescale(end-start, media.TimeBaseMPEG, media.TimeBaseMicros)
	if c.duration > 0 {
		c.bitRate = c.index.size * 8 * 1_000_000 / c.duration
	}
}

// startDecoder creates a decoder reading src, which is positioned at offset.
func (c *Context) startDecoder(src io.Reader, offset int64) (*Decoder, error) {
	c.src = &countingReader{r: bufio.NewReaderSize(src, readBuffer)}
	c.src.n.Store(offset)
	return NewDecoder(&exitRetryReader{r: c.src, closed: &c.closed}, c.logger)
}

func (c *Context) startPump(dec *Decoder) {
	c.pump = NewPump(dec, c.src.n.Load)
	c.err = nil
}

func (c *Context) stopPump() {
	if c.pump != nil {
		c.pump.Halt()
		c.pump = nil
	}
}

// restart decodes the input again from the start and skips ordinal frames.
func (c *Context) restart(ordinal int) error {
	if c.seeker == nil {
		return media.ErrNotSeekable
	}
	c.stopPump()
	c.replay = nil

	if _, err := c.seeker.Seek(0, io.SeekStart); err != nil {
		c.err = err
		return err
	}
	dec, err := c.startDecoder(c.rc, 0)
	if err != nil {
		c.err = err
		return err
	}
	for i := 0; i < ordinal; i++ {
		if _, err := dec.Next(); err != nil {
			c.err = normalizeEOF(err)
			return fmt.Errorf("%w: skipping to frame %d: %w", media.ErrSeekFailed, ordinal, err)
		}
	}
	c.startPump(dec)
	return nil
}

// Format implements media.Context.
func (c *Context) Format() media.FormatInfo {
	return media.FormatInfo{
		Name:              Name,
		LongName:          longName,
		Extensions:        strings.Join(extensions, ","),
		StartTime:         c.startTime,
		StartTimeRealtime: media.NoTimestamp,
		Duration:          c.duration,
		BitRate:           c.bitRate,
		Metadata:          map[string]string{},
	}
}

// Streams implements media.Context.
func (c *Context) Streams() []*media.StreamInfo { return c.streams }

// Programs implements media.Context.
func (c *Context) Programs() []*media.ProgramInfo { return c.programs }

// Chapters implements media.Context.
func (c *Context) Chapters() []*media.ChapterInfo { return nil }

// SetProbe implements media.Context.
func (c *Context) SetProbe(probeSize int64, analyzeDuration time.Duration) {
	c.probeSize = probeSize
	c.analyze = analyzeDuration
}

// streamProbe collects what FindStreamInfo learns about one stream.
type streamProbe struct {
	seen     bool
	firstPTS int64
	lastDTS  int64
	minDelta int64
}

// FindStreamInfo implements media.Context. The frames it reads are kept and
// returned by the following ReadPacket calls.
func (c *Context) FindStreamInfo() error {
	probes := make([]streamProbe, len(c.streams))
	for i := range probes {
		probes[i] = streamProbe{firstPTS: media.NoTimestamp, lastDTS: media.NoTimestamp}
	}
	wanted := c.decodableStreams()

	analyze := media.Rescale(c.analyze.Microseconds(), media.TimeBaseMicros, media.TimeBaseMPEG)
	firstDTS := media.NoTimestamp
	var read int64

	// Frames already buffered are probed first; everything read ends up
	// back in the replay buffer in order.
	pending := c.replay
	c.replay = nil
	probed := make([]Frame, 0, len(pending))
	defer func() {
		c.replay = append(probed, pending...)
	}()

	for !c.resolved(wanted, probes) {
		var f Frame
		if len(pending) > 0 {
			f = pending[0]
			pending = pending[1:]
		} else {
			var err error
			if f, err = c.nextFrame(); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return err
			}
		}
		probed = append(probed, f)
		read += int64(len(f.Data))

		if idx, ok := c.byPID[f.PID]; ok {
			c.observe(c.streams[idx], &probes[idx], f)
		}

		if firstDTS == media.NoTimestamp {
			firstDTS = f.DTS
		}
		if read >= c.probeSize || (f.DTS != media.NoTimestamp && f.DTS-firstDTS > analyze) {
			break
		}
	}

	start := int64(math.MaxInt64)
	for i, s := range c.streams {
		p := probes[i]
		if p.minDelta > 0 && s.Type == media.TypeVideo {
			s.FrameRate = frameRate(p.minDelta)
		}
		if s.Codec == string(codec.VideoH264) || s.Codec == string(codec.VideoH265) {
			s.PixelFormat = "yuv420p"
		}
		if c.index == nil && p.firstPTS != media.NoTimestamp {
			s.StartTime = p.firstPTS
			start = min(start, p.firstPTS)
		}
	}
	if c.index == nil && start != math.MaxInt64 {
		c.startTime = media.Rescale(start, media.TimeBaseMPEG, media.TimeBaseMicros)
	}

	c.logger.Debug("stream info found",
		slog.Int("frames", len(probed)),
		slog.Int64("bytes", read))
	return nil
}

func (c *Context) decodableStreams() []int {
	var out []int
	for _, t := range c.pumpTracks() {
		if idx, ok := c.byPID[t.PID]; ok && t.Codec.Decodable {
			out = append(out, idx)
		}
	}
	return out
}

func (c *Context) pumpTracks() []Track {
	if c.pump == nil {
		return nil
	}
	return c.pump.dec.Tracks()
}

func (c *Context) resolved(wanted []int, probes []streamProbe) bool {
	for _, idx := range wanted {
		p := probes[idx]
		if !p.seen {
			return false
		}
		s := c.streams[idx]
		if s.Type == media.TypeVideo && (s.Width == 0 || p.minDelta == 0) {
			return false
		}
	}
	return true
}

func (c *Context) observe(s *media.StreamInfo, p *streamProbe, f Frame) {
	p.seen = true
	if p.firstPTS == media.NoTimestamp || (f.PTS != media.NoTimestamp && f.PTS < p.firstPTS) {
		p.firstPTS = f.PTS
	}
	if f.Width > 0 && f.Height > 0 {
		s.Width, s.Height = f.Width, f.Height
	}
	if f.DTS != media.NoTimestamp {
		if p.lastDTS != media.NoTimestamp {
			if d := f.DTS - p.lastDTS; d > 0 && (p.minDelta == 0 || d < p.minDelta) {
				p.minDelta = d
			}
		}
		p.lastDTS = f.DTS
	}
}

// frameRate converts a frame interval in 90kHz units to a reduced rational.
func frameRate(delta int64) media.Rational {
	num, den := int64(90000), delta
	g := gcd(num, den)
	return media.Rational{Num: num / g, Den: den / g}
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func (c *Context) nextFrame() (Frame, error) {
	if len(c.replay) > 0 {
		f := c.replay[0]
		c.replay[0] = Frame{}
		c.replay = c.replay[1:]
		return f, nil
	}
	if c.err != nil {
		return Frame{}, c.err
	}
	if c.pump == nil {
		return Frame{}, io.EOF
	}
	return c.pump.Next(c.interrupt)
}

// ReadPacket implements media.Context.
func (c *Context) ReadPacket(pkt *media.Packet) error {
	for {
		f, err := c.nextFrame()
		if err != nil {
			return err
		}
		c.pos = f.Pos

		idx, ok := c.byPID[f.PID]
		if !ok || c.skipped(idx) {
			continue
		}

		pkt.StreamIndex = idx
		pkt.PTS = f.PTS
		pkt.DTS = f.DTS
		pkt.Duration = f.Duration
		pkt.Pos = f.Pos
		pkt.Flags = 0
		if f.Key {
			pkt.Flags |= media.FlagKey
		}
		pkt.Data = f.Data
		return nil
	}
}

// skipped reports whether a stream is discarded, directly or because every
// program carrying it is.
func (c *Context) skipped(idx int) bool {
	if c.discard[idx] {
		return true
	}
	progs := c.streamPrograms[idx]
	if len(progs) == 0 {
		return false
	}
	for _, p := range progs {
		if !c.progDiscard[p] {
			return false
		}
	}
	return true
}

// Seek implements media.Context.
func (c *Context) Seek(req media.SeekRequest) error {
	if media.Interrupted(c.interrupt) {
		return media.ErrExit
	}
	if req.Flags&media.SeekByte != 0 {
		return fmt.Errorf("%w: byte seeking is not supported", media.ErrSeekFailed)
	}
	if c.index == nil {
		return media.ErrNotSeekable
	}

	ref := c.seekStream(req.StreamIndex)
	if ref == nil {
		return fmt.Errorf("%w: no stream to seek on", media.ErrSeekFailed)
	}
	tb := media.TimeBaseMicros
	if req.StreamIndex >= 0 {
		tb = ref.TimeBase
	}
	conv := func(ts int64) int64 {
		if ts == media.NoTimestamp || ts == math.MaxInt64 {
			return media.NoTimestamp
		}
		return media.Rescale(ts, tb, media.TimeBaseMPEG)
	}

	ordinal, ok := c.index.Find(uint16(ref.ID), conv(req.Min), conv(req.TS), conv(req.Max), req.Flags&media.SeekAny != 0)
	if !ok {
		return fmt.Errorf("%w: no frame of stream %d in range", media.ErrSeekFailed, ref.Index)
	}

	c.logger.Debug("seeking",
		slog.Int("stream", ref.Index),
		slog.Int64("ts", req.TS),
		slog.Int("frame", ordinal))
	return c.restart(ordinal)
}

// seekStream returns the stream timestamps of a seek request refer to. For
// index -1 it is the first indexed video stream, or failing that the first
// indexed stream.
func (c *Context) seekStream(index int) *media.StreamInfo {
	if index >= 0 {
		if index < len(c.streams) {
			return c.streams[index]
		}
		return nil
	}
	ranges := c.index.Ranges()
	for _, t := range []media.Type{media.TypeVideo, media.TypeAudio, media.TypeSubtitle, media.TypeData} {
		for _, s := range c.streams {
			if _, ok := ranges[uint16(s.ID)]; ok && s.Type == t {
				return s
			}
		}
	}
	return nil
}

// Flush implements media.Context.
func (c *Context) Flush() {
	c.replay = nil
}

// IOPosition implements media.Context.
func (c *Context) IOPosition() (int64, bool) {
	return c.pos, c.seeker != nil
}

// SeekIO implements media.Context. Offsets are rounded down to a packet
// boundary; the decoder resynchronises on the next PAT and PMT.
func (c *Context) SeekIO(pos int64) error {
	if c.seeker == nil {
		return media.ErrNotSeekable
	}
	if pos == c.pos && c.pump != nil {
		return nil
	}
	if pos <= 0 {
		c.pos = 0
		return c.restart(0)
	}

	c.stopPump()
	c.replay = nil
	aligned := pos - pos%tsPacketSize
	if _, err := c.seeker.Seek(aligned, io.SeekStart); err != nil {
		c.err = err
		return err
	}
	dec, err := c.startDecoder(c.rc, aligned)
	if err != nil {
		c.err = err
		return err
	}
	c.startPump(dec)
	c.pos = pos
	return nil
}

// SetStreamDiscard implements media.Context.
func (c *Context) SetStreamDiscard(index int, discard bool) {
	if index >= 0 && index < len(c.discard) {
		c.discard[index] = discard
	}
}

// SetProgramDiscard implements media.Context.
func (c *Context) SetProgramDiscard(index int, discard bool) {
	if index >= 0 && index < len(c.progDiscard) {
		c.progDiscard[index] = discard
	}
}

// HLS implements media.Context.
func (c *Context) HLS() media.HLSContext { return nil }

// Close implements media.Context.
func (c *Context) Close() error {
	c.closed.Store(true)
	err := c.rc.Close()
	c.stopPump()
	c.replay = nil
	return err
}
