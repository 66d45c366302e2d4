// Package demux implements the demuxer engine: it opens an input through a
// media backend, discovers its tracks, and runs a forward (or reverse)
// read loop that distributes packets into per-type queues for decoders.
package demux

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jmylchreest/avdemux/internal/interrupt"
	"github.com/jmylchreest/avdemux/internal/media"
	"github.com/jmylchreest/avdemux/internal/observability"
)

// Demuxer errors.
var (
	ErrCancelled       = errors.New("cancelled")
	ErrTimedOut        = errors.New("timed out")
	ErrDisposed        = errors.New("demuxer disposed")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNoStreams       = errors.New("no streams found")
	ErrNotFoundInQueue = errors.New("position not found in queue")
	ErrTooManyErrors   = errors.New("too many errors")
	ErrRunning         = errors.New("read loop running")
	ErrUnknown         = errors.New("unknown")
)

// Demuxer reads one input and distributes its packets to decoders.
//
// Lock order: lockActions, then lockFmtCtx, then lockStreams. Queue methods
// and lockTime are leaves; neither is held while calling into the other.
type Demuxer struct {
	id          string
	cfg         Config
	typ         media.Type
	useAVS      bool
	logger      *slog.Logger
	pool        *media.PacketPool
	interrupter *interrupt.Interrupter

	lockActions sync.Mutex
	lockFmtCtx  sync.Mutex
	lockStreams sync.RWMutex
	lockTime    sync.Mutex

	status           atomic.Int32
	running          atomic.Bool
	done             chan struct{}
	disposed         atomic.Bool
	pauseOnQueueFull atomic.Bool
	isReverse        atomic.Bool
	totalBytes       atomic.Int64
	subSlot          atomic.Int32
	loopErr          atomic.Pointer[error]

	// Guarded by lockFmtCtx.
	fmtCtx              media.Context
	backend             media.Backend
	recv                *media.Packet
	preload             io.Reader
	allowReadInterrupts bool
	formatOptCopy       media.Options
	queryParams         []queryParam
	lastVideoPts        int64
	allowedErrors       int
	audioLimitFired     bool
	rev                 reverseState

	// Guarded by lockStreams.
	url            string
	info           formatDetails
	tracks         []*Track
	byIndex        map[int]*Track
	audioTracks    []*Track
	videoTracks    []*Track
	subtitleTracks []*Track
	dataTracks     []*Track
	programs       []*Program
	chapters       []Chapter
	enabled        []*Track
	audioTrack     *Track
	videoTrack     *Track
	dataTrack      *Track
	subtitleSlots  []*Track

	timebases atomic.Pointer[[]media.Rational]

	// Guarded by lockTime.
	startTime      int64
	startRealTime  int64
	duration       int64
	isLive         bool
	lastSeekTime   int64
	hlsCtx         media.HLSContext
	hlsPlaylist    media.HLSPlaylist
	hlsStartTime   int64
	hlsCurDuration int64
	hlsPrevSeqNo   int64

	packets         *PacketQueue
	audioPackets    *PacketQueue
	videoPackets    *PacketQueue
	dataPackets     *PacketQueue
	subtitlePackets []*PacketQueue
	curPackets      atomic.Pointer[PacketQueue]
	reverse         *ReverseQueue

	events eventHub
}

type formatDetails struct {
	name       string
	longName   string
	extensions string
	extension  string
	metadata   map[string]string
}

// New creates a disposed demuxer for inputs of the given type. With useAVS
// the read loop distributes packets into per-type queues; otherwise
// everything goes to the single Packets queue.
func New(typ media.Type, useAVS bool, cfg Config) *Demuxer {
	cfg.applyDefaults()

	id := uuid.NewString()
	d := &Demuxer{
		id:     id,
		cfg:    cfg,
		typ:    typ,
		useAVS: useAVS,
		logger: observability.WithSession(observability.WithComponent(cfg.Logger, "demuxer"), id).
			With(slog.String("type", typ.String())),
		pool: media.NewPacketPool(),
	}

	d.interrupter = interrupt.New(interrupt.Config{
		Timeouts:      cfg.Timeouts,
		AllowTimeouts: cfg.AllowTimeouts,
		OnTimeout:     d.onTimeout,
		Logger:        d.logger,
	})

	empty := []media.Rational{}
	d.timebases.Store(&empty)

	d.packets = NewPacketQueue(d.timebaseOf, d.queueClock)
	d.audioPackets = NewPacketQueue(d.timebaseOf, d.queueClock)
	d.videoPackets = NewPacketQueue(d.timebaseOf, d.queueClock)
	d.dataPackets = NewPacketQueue(d.timebaseOf, d.queueClock)
	d.subtitlePackets = make([]*PacketQueue, cfg.SubtitleSlots)
	for i := range d.subtitlePackets {
		d.subtitlePackets[i] = NewPacketQueue(d.timebaseOf, d.queueClock)
	}
	d.subtitleSlots = make([]*Track, cfg.SubtitleSlots)
	d.reverse = NewReverseQueue()
	d.curPackets.Store(d.packets)

	d.resetTiming()
	d.rev.reset()
	d.lastVideoPts = media.NoTimestamp
	d.disposed.Store(true)
	return d
}

func (d *Demuxer) timebaseOf(streamIndex int) media.Rational {
	tbs := *d.timebases.Load()
	if streamIndex < 0 || streamIndex >= len(tbs) {
		return media.Rational{}
	}
	return tbs[streamIndex]
}

// queueClock positions a queue head on the playback timeline, extending the
// live window when the head precedes the HLS start.
func (d *Demuxer) queueClock(first, prev int64) int64 {
	d.lockTime.Lock()
	defer d.lockTime.Unlock()

	if d.hlsCtx == nil {
		return first - d.startTime
	}
	if d.hlsStartTime == media.NoTimestamp {
		return prev
	}
	if first < d.hlsStartTime {
		d.duration += d.hlsStartTime - first
		d.hlsStartTime = first
		return 0
	}
	return first - d.hlsStartTime
}

func (d *Demuxer) resetTiming() {
	d.lockTime.Lock()
	defer d.lockTime.Unlock()
	d.startTime = 0
	d.startRealTime = 0
	d.duration = 0
	d.isLive = false
	d.lastSeekTime = 0
	d.hlsCtx = nil
	d.hlsPlaylist = nil
	d.hlsStartTime = media.NoTimestamp
	d.hlsCurDuration = 0
	d.hlsPrevSeqNo = media.NoTimestamp
}

// ID returns the session id used in logs.
func (d *Demuxer) ID() string { return d.id }

// Type returns the input type the demuxer was created for.
func (d *Demuxer) Type() media.Type { return d.typ }

// Disposed reports whether no input is open.
func (d *Demuxer) Disposed() bool { return d.disposed.Load() }

// Interrupter returns the cancellation token shared with the backend.
func (d *Demuxer) Interrupter() *interrupt.Interrupter { return d.interrupter }

// Pool returns the packet pool the demuxer allocates from.
func (d *Demuxer) Pool() *media.PacketPool { return d.pool }

// URL returns the opened URL.
func (d *Demuxer) URL() string {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return d.url
}

// Name returns the backend format name.
func (d *Demuxer) Name() string {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return d.info.name
}

// LongName returns the backend format description.
func (d *Demuxer) LongName() string {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return d.info.longName
}

// Extensions returns the comma separated extensions of the format.
func (d *Demuxer) Extensions() string {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return d.info.extensions
}

// Extension returns the container extension suitable for remuxing.
func (d *Demuxer) Extension() string {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return d.info.extension
}

// Metadata returns the container metadata.
func (d *Demuxer) Metadata() map[string]string {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return d.info.metadata
}

// StartTime returns the input start in ticks.
func (d *Demuxer) StartTime() int64 {
	d.lockTime.Lock()
	defer d.lockTime.Unlock()
	return d.startTime
}

// StartRealTime returns the wall clock start of the input in ticks, or 0.
func (d *Demuxer) StartRealTime() int64 {
	d.lockTime.Lock()
	defer d.lockTime.Unlock()
	return d.startRealTime
}

// Duration returns the input duration in ticks (0 when unknown or live).
func (d *Demuxer) Duration() int64 {
	d.lockTime.Lock()
	defer d.lockTime.Unlock()
	return d.duration
}

// IsLive reports whether the input has no known duration or is an HLS live stream.
func (d *Demuxer) IsLive() bool {
	d.lockTime.Lock()
	defer d.lockTime.Unlock()
	return d.isLive
}

// IsHLSLive reports whether an HLS live playlist drives the timing.
func (d *Demuxer) IsHLSLive() bool {
	d.lockTime.Lock()
	defer d.lockTime.Unlock()
	return d.hlsPlaylist != nil
}

// ForceDuration overrides the duration; a non-zero value also marks the input as live.
func (d *Demuxer) ForceDuration(ticks int64) {
	d.lockTime.Lock()
	defer d.lockTime.Unlock()
	d.duration = ticks
	d.isLive = ticks != 0
}

// TotalBytes returns the payload bytes read since open.
func (d *Demuxer) TotalBytes() int64 { return d.totalBytes.Load() }

// CurTime returns the playback position of the current queue in ticks,
// falling back to the last seek position while the queue is empty.
func (d *Demuxer) CurTime() int64 {
	if ct := d.CurPackets().CurTime(); ct != 0 {
		return ct
	}
	d.lockTime.Lock()
	defer d.lockTime.Unlock()
	return d.lastSeekTime
}

// BufferedDuration returns the buffered duration of the current queue in ticks.
func (d *Demuxer) BufferedDuration() int64 {
	return d.CurPackets().BufferedDuration()
}

// IsReversePlayback reports whether the reverse read loop is selected.
func (d *Demuxer) IsReversePlayback() bool { return d.isReverse.Load() }

// Tracks returns every discovered track in stream index order.
func (d *Demuxer) Tracks() []*Track {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return append([]*Track(nil), d.tracks...)
}

// AudioTracks returns the audio tracks.
func (d *Demuxer) AudioTracks() []*Track {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return append([]*Track(nil), d.audioTracks...)
}

// VideoTracks returns the video tracks.
func (d *Demuxer) VideoTracks() []*Track {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return append([]*Track(nil), d.videoTracks...)
}

// SubtitleTracks returns the subtitle tracks.
func (d *Demuxer) SubtitleTracks() []*Track {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return append([]*Track(nil), d.subtitleTracks...)
}

// DataTracks returns the data tracks.
func (d *Demuxer) DataTracks() []*Track {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return append([]*Track(nil), d.dataTracks...)
}

// Programs returns the programs of a multi-program input.
func (d *Demuxer) Programs() []*Program {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return append([]*Program(nil), d.programs...)
}

// Chapters returns the chapter markers.
func (d *Demuxer) Chapters() []Chapter {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return append([]Chapter(nil), d.chapters...)
}

// EnabledStreams returns the tracks currently delivered, in enable order.
func (d *Demuxer) EnabledStreams() []*Track {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return append([]*Track(nil), d.enabled...)
}

// AudioTrack returns the selected audio track, or nil.
func (d *Demuxer) AudioTrack() *Track {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return d.audioTrack
}

// VideoTrack returns the selected video track, or nil.
func (d *Demuxer) VideoTrack() *Track {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return d.videoTrack
}

// DataTrack returns the selected data track, or nil.
func (d *Demuxer) DataTrack() *Track {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return d.dataTrack
}

// SubtitleTrack returns the track selected in the given subtitle slot, or nil.
func (d *Demuxer) SubtitleTrack(slot int) *Track {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	if slot < 0 || slot >= len(d.subtitleSlots) {
		return nil
	}
	return d.subtitleSlots[slot]
}

// SetSubtitleSlot selects the slot subsequent subtitle enable calls target.
func (d *Demuxer) SetSubtitleSlot(slot int) {
	if slot < 0 || slot >= len(d.subtitleSlots) {
		return
	}
	d.subSlot.Store(int32(slot))
}

// SubtitleSlot returns the slot targeted by subtitle enable calls.
func (d *Demuxer) SubtitleSlot() int { return int(d.subSlot.Load()) }

// Packets returns the shared queue used when per-type distribution is off.
func (d *Demuxer) Packets() *PacketQueue { return d.packets }

// AudioPackets returns the audio queue.
func (d *Demuxer) AudioPackets() *PacketQueue { return d.audioPackets }

// VideoPackets returns the video queue.
func (d *Demuxer) VideoPackets() *PacketQueue { return d.videoPackets }

// DataPackets returns the data queue.
func (d *Demuxer) DataPackets() *PacketQueue { return d.dataPackets }

// SubtitlePackets returns the queue of a subtitle slot, or nil.
func (d *Demuxer) SubtitlePackets(slot int) *PacketQueue {
	if slot < 0 || slot >= len(d.subtitlePackets) {
		return nil
	}
	return d.subtitlePackets[slot]
}

// CurPackets returns the queue whose time drives CurTime and the buffering limits.
func (d *Demuxer) CurPackets() *PacketQueue { return d.curPackets.Load() }

// VideoPacketsReverse returns the reverse playback segments.
func (d *Demuxer) VideoPacketsReverse() *ReverseQueue { return d.reverse }

// PacketsFor returns the queue t's packets are delivered to, or nil for a
// subtitle track that is in no slot.
func (d *Demuxer) PacketsFor(t *Track) *PacketQueue {
	if t == nil {
		return nil
	}
	if !d.useAVS {
		return d.packets
	}
	switch t.Type {
	case media.TypeAudio:
		return d.audioPackets
	case media.TypeVideo:
		return d.videoPackets
	case media.TypeData:
		return d.dataPackets
	case media.TypeSubtitle:
		d.lockStreams.RLock()
		defer d.lockStreams.RUnlock()
		for i, s := range d.subtitleSlots {
			if s == t {
				return d.subtitlePackets[i]
			}
		}
	}
	return nil
}

// Dispose stops the read loop, closes the input and frees every packet.
// It is idempotent.
func (d *Demuxer) Dispose() {
	d.lockActions.Lock()
	defer d.lockActions.Unlock()
	d.disposeLocked()
}

func (d *Demuxer) disposeLocked() {
	if d.disposed.Load() {
		return
	}
	d.stopLocked()

	d.lockFmtCtx.Lock()
	defer d.lockFmtCtx.Unlock()
	d.disposeCore()
}

// disposeCore releases the input. The caller holds lockActions and lockFmtCtx
// and the read loop is not running.
func (d *Demuxer) disposeCore() {
	if d.disposed.Load() {
		return
	}

	d.isReverse.Store(false)
	d.rev.reset()
	d.rev.freeGroup()
	d.allowReadInterrupts = false
	d.formatOptCopy = nil
	d.queryParams = nil
	d.lastVideoPts = media.NoTimestamp
	d.audioLimitFired = false

	d.lockStreams.Lock()
	for _, t := range d.enabled {
		t.enabled.Store(false)
	}
	d.url = ""
	d.info = formatDetails{}
	d.tracks = nil
	d.byIndex = nil
	d.audioTracks = nil
	d.videoTracks = nil
	d.subtitleTracks = nil
	d.dataTracks = nil
	d.programs = nil
	d.chapters = nil
	d.enabled = nil
	d.audioTrack = nil
	d.videoTrack = nil
	d.dataTrack = nil
	for i := range d.subtitleSlots {
		d.subtitleSlots[i] = nil
	}
	d.lockStreams.Unlock()

	d.resetTiming()
	d.disposePackets()
	d.curPackets.Store(d.packets)
	d.videoPackets.SetFrameDuration(0)

	if d.fmtCtx != nil {
		d.interrupter.CloseRequest()
		if err := d.fmtCtx.Close(); err != nil {
			d.logger.Warn("close failed", slog.String("error", err.Error()))
		}
		d.fmtCtx = nil
	}
	d.backend = nil

	d.recv.Free()
	d.recv = nil
	if c, ok := d.preload.(io.Closer); ok {
		_ = c.Close()
	}
	d.preload = nil

	empty := []media.Rational{}
	d.timebases.Store(&empty)
	d.totalBytes.Store(0)
	d.interrupter.Reset()
	d.setStatus(StatusStopped)
	d.disposed.Store(true)
	d.logger.Debug("disposed")
}

// disposePackets clears every queue and resets the HLS start anchor.
func (d *Demuxer) disposePackets() {
	if d.useAVS {
		d.audioPackets.Clear()
		d.videoPackets.Clear()
		for _, q := range d.subtitlePackets {
			q.Clear()
		}
		d.dataPackets.Clear()
		d.reverse.Clear()
		d.rev.freeGroup()
	} else {
		d.packets.Clear()
	}

	d.lockTime.Lock()
	d.hlsStartTime = media.NoTimestamp
	d.lockTime.Unlock()
}
