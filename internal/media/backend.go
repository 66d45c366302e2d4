package media

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"
)

// Interrupt is polled by backends inside blocking calls. When it returns
// true the call must abort and return ErrExit.
type Interrupt interface {
	Interrupted() bool
}

// InterruptFunc adapts a function to Interrupt.
type InterruptFunc func() bool

// Interrupted calls f.
func (f InterruptFunc) Interrupted() bool {
	return f()
}

// NeverInterrupt never aborts.
var NeverInterrupt Interrupt = InterruptFunc(func() bool { return false })

// Interrupted reports whether intr is set and fired.
func Interrupted(intr Interrupt) bool {
	return intr != nil && intr.Interrupted()
}

// WatchInterrupt returns a context cancelled once intr fires, polling every
// interval. The returned stop function must be called to release the watcher.
func WatchInterrupt(parent context.Context, intr Interrupt, interval time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if intr == nil {
		return ctx, cancel
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if intr.Interrupted() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}

// Options is a set of string key/value format options. Backends remove the
// keys they consume with Take so the caller can report the ignored ones.
type Options map[string]string

// Clone returns a copy of o (nil stays nil).
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	return maps.Clone(o)
}

// Take returns and removes key.
func (o Options) Take(key string) (string, bool) {
	v, ok := o[key]
	if ok {
		delete(o, key)
	}
	return v, ok
}

// Keys returns the option names sorted.
func (o Options) Keys() []string {
	return slices.Sorted(maps.Keys(o))
}

// Merge copies every entry of src into o, overwriting existing keys.
func (o Options) Merge(src map[string]string) {
	for k, v := range src {
		o[k] = v
	}
}

// IORequest is a request to open a byte stream for a backend.
type IORequest struct {
	URL       string
	Options   Options
	Interrupt Interrupt
}

// IOOpenFunc opens the byte stream behind a URL. The returned reader may also
// implement io.Seeker. Segmented backends call it for every nested resource.
type IOOpenFunc func(ctx context.Context, req IORequest) (io.ReadCloser, error)

// OpenOptions are passed to Backend.Open.
type OpenOptions struct {
	Options   Options
	Interrupt Interrupt
	IOOpen    IOOpenFunc
	// Input replaces URL based I/O when set.
	Input  io.Reader
	Logger *slog.Logger
}

// OpenIO opens url through the configured hook, or returns Input when set.
func (o *OpenOptions) OpenIO(ctx context.Context, url string) (io.ReadCloser, error) {
	if o.Input != nil {
		if rc, ok := o.Input.(io.ReadCloser); ok {
			return rc, nil
		}
		return io.NopCloser(o.Input), nil
	}
	if o.IOOpen == nil {
		return nil, ErrFormatNotFound
	}
	return o.IOOpen(ctx, IORequest{URL: url, Options: o.Options.Clone(), Interrupt: o.Interrupt})
}

// Flags describe backend capabilities.
type Flags uint32

// Backend flags.
const (
	// FlagDevice marks capture-class backends that must be opened on a dedicated thread.
	FlagDevice Flags = 1 << iota
	// FlagNoFile marks backends that do not read from a byte stream.
	FlagNoFile
)

// ProbeData is what a backend inspects to claim an input.
type ProbeData struct {
	URL string
	Buf []byte
}

// Probe scores.
const (
	ProbeScoreMax       = 100
	ProbeScoreMIME      = 75
	ProbeScoreExtension = 50
)

// Backend is a container format implementation.
type Backend interface {
	Name() string
	LongName() string
	Extensions() []string
	Flags() Flags
	// Probe returns a score between 0 and ProbeScoreMax.
	Probe(pd ProbeData) int
	Open(ctx context.Context, url string, opts *OpenOptions) (Context, error)
}

// SeekFlags modify a SeekRequest.
type SeekFlags uint32

// Seek flags.
const (
	// SeekAny allows landing on non-key packets.
	SeekAny SeekFlags = 1 << iota
	// SeekByte interprets the timestamps as byte offsets.
	SeekByte
)

// SeekRequest positions the input so that the next packet read has a timestamp
// in [Min, Max], as close to TS as possible. StreamIndex -1 means the
// timestamps are in microseconds; otherwise they are in that stream's timebase.
type SeekRequest struct {
	StreamIndex int
	Min         int64
	TS          int64
	Max         int64
	Flags       SeekFlags
}

// SeekBackwardTo returns a request for the last position at or before ts.
func SeekBackwardTo(streamIndex int, ts int64, flags SeekFlags) SeekRequest {
	return SeekRequest{StreamIndex: streamIndex, Min: NoTimestamp, TS: ts, Max: ts, Flags: flags}
}

// SeekForwardTo returns a request for the first position at or after ts.
func SeekForwardTo(streamIndex int, ts int64, flags SeekFlags) SeekRequest {
	return SeekRequest{StreamIndex: streamIndex, Min: ts, TS: ts, Max: maxTimestamp, Flags: flags}
}

const maxTimestamp = int64(^uint64(0) >> 1)

// HLSPlaylist exposes the live state of one media playlist.
type HLSPlaylist interface {
	CurSeqNo() int64
	StartSeqNo() int64
	// SegmentDurations returns the durations of the known segments in microseconds.
	SegmentDurations() []int64
}

// HLSContext is exposed by segmented live backends.
type HLSContext interface {
	// FirstTimestamp returns the first timestamp of the stream in microseconds.
	FirstTimestamp() int64
	// MarkSeekable forces the live stream to accept seek requests.
	MarkSeekable()
}

// Context is an opened input.
type Context interface {
	Format() FormatInfo
	Streams() []*StreamInfo
	Programs() []*ProgramInfo
	Chapters() []*ChapterInfo

	// SetProbe widens the amount of data FindStreamInfo may analyze.
	SetProbe(probeSize int64, analyzeDuration time.Duration)
	FindStreamInfo() error

	// ReadPacket fills pkt with the next packet. It returns io.EOF at the end
	// of the input and ErrExit when interrupted.
	ReadPacket(pkt *Packet) error
	Seek(req SeekRequest) error
	// Flush drops internal buffers and clears error and EOF state.
	Flush()
	// IOPosition returns the byte position of the underlying stream.
	IOPosition() (int64, bool)
	SeekIO(pos int64) error

	SetStreamDiscard(index int, discard bool)
	SetProgramDiscard(index int, discard bool)

	// HLS returns the live playlist context, or nil.
	HLS() HLSContext

	Close() error
}
