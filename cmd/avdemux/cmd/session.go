package cmd

import (
	"log/slog"
	"time"

	"github.com/jmylchreest/avdemux/internal/backend"
	"github.com/jmylchreest/avdemux/internal/config"
	"github.com/jmylchreest/avdemux/internal/demux"
	"github.com/jmylchreest/avdemux/internal/interrupt"
	"github.com/jmylchreest/avdemux/internal/media"
)

// toDemuxConfig converts the loaded configuration to demuxer settings,
// wiring the backends built from the same configuration.
func toDemuxConfig(cfg *config.Config, set *backend.Set, log *slog.Logger) demux.Config {
	d := cfg.Demuxer
	return demux.Config{
		Logger:   log,
		Registry: set.Registry,
		IOOpen:   set.IOOpen(),

		BufferDuration:  d.BufferDuration,
		BufferPackets:   d.BufferPackets,
		MaxAudioPackets: d.MaxAudioPackets,
		MaxErrors:       d.MaxErrors,

		AllowInterrupts:         d.AllowInterrupts,
		AllowReadInterrupts:     d.AllowReadInterrupts,
		AllowTimeouts:           d.AllowTimeouts,
		ExcludeInterruptFormats: d.ExcludeInterruptFormats,
		Timeouts: interrupt.Timeouts{
			Open:     d.Timeouts.Open,
			Read:     d.Timeouts.Read,
			ReadLive: d.Timeouts.ReadLive,
			Seek:     d.Timeouts.Seek,
			Close:    d.Timeouts.Close,
		},

		AllowFindStreamInfo: d.AllowFindStreamInfo,
		ForceFormat:         d.ForceFormat,

		FormatOpt:          d.FormatOptions,
		AudioFormatOpt:     d.AudioFormatOptions,
		SubtitlesFormatOpt: d.SubtitlesFormatOptions,

		FormatOptToUnderlying:            d.FormatOptionsToUnderlying,
		DefaultHTTPQueryToUnderlying:     d.DefaultHTTPQueryToUnderlying,
		ExtraHTTPQueryParamsToUnderlying: d.ExtraHTTPQueryParams,

		HLSLiveSeek:   d.HLSLiveSeek,
		SubtitleSlots: d.SubtitleSlots,

		SeekInQueueWindow:      d.SeekInQueueWindow,
		SeekInQueueVideoWindow: d.SeekInQueueVideoWindow,
		QueueFullPoll:          d.QueueFullPoll,
		InterruptBackoff:       d.InterruptBackoff,

		MaxSubtitlePreload: d.Subtitles.MaxPreloadSize.Bytes(),
	}
}

// newBackends builds the backend set from cfg.
func newBackends(cfg *config.Config, log *slog.Logger) *backend.Set {
	return backend.New(cfg.Backends, cfg.Demuxer.Subtitles.MaxPreloadSize.Bytes(), log)
}

// ticksOf converts d to 100ns ticks.
func ticksOf(d time.Duration) int64 {
	return int64(d / 100)
}

// durationOf converts 100ns ticks to a time.Duration.
func durationOf(ticks int64) time.Duration {
	return time.Duration(ticks) * 100
}

// parseType maps a --type flag to a media type.
func parseType(s string) (media.Type, bool) {
	t, ok := media.ParseType(s)
	if !ok || t == media.TypeData || t == media.TypeUnknown {
		return media.TypeUnknown, false
	}
	return t, true
}
