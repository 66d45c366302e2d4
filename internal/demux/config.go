package demux

import (
	"log/slog"
	"time"

	"github.com/jmylchreest/avdemux/internal/interrupt"
	"github.com/jmylchreest/avdemux/internal/media"
)

// Config configures a Demuxer.
type Config struct {
	Logger   *slog.Logger
	Registry *media.Registry
	// IOOpen opens the byte streams behind URLs for file based backends.
	IOOpen media.IOOpenFunc

	// BufferDuration is the amount of buffered media after which the forward
	// loop stops reading.
	BufferDuration time.Duration
	// BufferPackets additionally caps the current queue by packet count (0 = off).
	BufferPackets int
	// MaxAudioPackets caps the audio queue; excess packets are dropped (0 = off).
	MaxAudioPackets int
	// MaxErrors is the number of consecutive read errors tolerated.
	MaxErrors int

	AllowInterrupts         bool
	AllowReadInterrupts     bool
	AllowTimeouts           bool
	ExcludeInterruptFormats []string
	Timeouts                interrupt.Timeouts

	AllowFindStreamInfo bool
	ForceFormat         string

	FormatOpt          map[string]string
	AudioFormatOpt     map[string]string
	SubtitlesFormatOpt map[string]string
	// FormatOptToUnderlying forwards the open options and HTTP query
	// parameters to nested resources opened by segmented backends.
	FormatOptToUnderlying            bool
	DefaultHTTPQueryToUnderlying     bool
	ExtraHTTPQueryParamsToUnderlying map[string]string

	// HLSLiveSeek enables seeking and live timing for HLS live inputs.
	HLSLiveSeek bool

	// SubtitleSlots is the number of concurrently enabled subtitle tracks.
	SubtitleSlots int

	// SeekInQueueWindow is how far ahead of the buffered range a queue
	// seek may look; SeekInQueueVideoWindow applies to forward video seeks.
	SeekInQueueWindow      time.Duration
	SeekInQueueVideoWindow time.Duration

	// QueueFullPoll is the sleep between checks while the queue is full.
	QueueFullPoll time.Duration
	// InterruptBackoff is the sleep after an aborted read, letting waiters
	// on the backend context acquire it.
	InterruptBackoff time.Duration

	// MaxSubtitlePreload is the largest text subtitle file loaded into memory.
	MaxSubtitlePreload int64

	// ReverseQueueDepth is the number of reverse segments buffered ahead.
	ReverseQueueDepth int
	// ReverseSeekOffset is the initial backward step of reverse playback.
	ReverseSeekOffset time.Duration
}

// DefaultConfig returns the demuxer defaults.
func DefaultConfig() Config {
	return Config{
		BufferDuration:               30 * time.Second,
		MaxAudioPackets:              200,
		MaxErrors:                    30,
		AllowInterrupts:              true,
		AllowReadInterrupts:          true,
		AllowTimeouts:                true,
		ExcludeInterruptFormats:      []string{"rtsp"},
		Timeouts:                     interrupt.DefaultTimeouts(),
		AllowFindStreamInfo:          true,
		FormatOptToUnderlying:        true,
		DefaultHTTPQueryToUnderlying: true,
		HLSLiveSeek:                  true,
		SubtitleSlots:                2,
		SeekInQueueWindow:            time.Second,
		SeekInQueueVideoWindow:       10 * time.Second,
		QueueFullPoll:                20 * time.Millisecond,
		InterruptBackoff:             5 * time.Millisecond,
		MaxSubtitlePreload:           10 * 1024 * 1024,
		ReverseQueueDepth:            2,
		ReverseSeekOffset:            3 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Registry == nil {
		c.Registry = media.NewRegistry()
	}
	if c.BufferDuration <= 0 {
		c.BufferDuration = d.BufferDuration
	}
	if c.SeekInQueueWindow <= 0 {
		c.SeekInQueueWindow = d.SeekInQueueWindow
	}
	if c.SeekInQueueVideoWindow <= 0 {
		c.SeekInQueueVideoWindow = d.SeekInQueueVideoWindow
	}
	if c.SubtitleSlots <= 0 {
		c.SubtitleSlots = d.SubtitleSlots
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	if c.QueueFullPoll <= 0 {
		c.QueueFullPoll = d.QueueFullPoll
	}
	if c.InterruptBackoff <= 0 {
		c.InterruptBackoff = d.InterruptBackoff
	}
	if c.ReverseQueueDepth <= 0 {
		c.ReverseQueueDepth = d.ReverseQueueDepth
	}
	if c.ReverseSeekOffset <= 0 {
		c.ReverseSeekOffset = d.ReverseSeekOffset
	}
	if c.MaxSubtitlePreload <= 0 {
		c.MaxSubtitlePreload = d.MaxSubtitlePreload
	}
}

// durationTicks converts a time.Duration to ticks.
func durationTicks(d time.Duration) int64 {
	return int64(d / 100)
}

func ticksDuration(ticks int64) time.Duration {
	return time.Duration(ticks * 100)
}
