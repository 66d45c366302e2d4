package demux

import (
	"log/slog"

	"github.com/jmylchreest/avdemux/internal/media"
)

// setHLSPlaylist selects the playlist that drives live timing, or clears it.
func (d *Demuxer) setHLSPlaylist(pl media.HLSPlaylist) {
	d.lockTime.Lock()
	d.hlsPlaylist = pl
	d.lockTime.Unlock()
}

// UpdateHLSTime refreshes the live window from the current playlist. When
// the media sequence advanced, the duration and the offset of the current
// segment are recomputed and the start anchor is re-derived from the next
// buffered timestamp.
func (d *Demuxer) UpdateHLSTime() {
	cur := d.CurPackets()
	last := cur.LastTimestamp()

	d.lockTime.Lock()
	pl := d.hlsPlaylist
	if pl == nil {
		d.lockTime.Unlock()
		return
	}

	if seq := pl.CurSeqNo(); seq != d.hlsPrevSeqNo {
		d.hlsPrevSeqNo = seq
		d.hlsStartTime = media.NoTimestamp

		durations := pl.SegmentDurations()
		idx := int(seq - pl.StartSeqNo())
		idx = max(0, min(idx, len(durations)))

		var before, total int64
		for i, dur := range durations {
			if i < idx {
				before += dur
			}
			total += dur
		}
		d.hlsCurDuration = media.MicrosToTicks(before)
		d.duration = media.MicrosToTicks(total)

		d.logger.Debug("hls sequence changed",
			slog.Int64("seq", seq),
			slog.Duration("offset", ticksDuration(d.hlsCurDuration)),
			slog.Duration("window", ticksDuration(d.duration)),
		)
	}

	anchor := false
	if d.hlsStartTime == media.NoTimestamp && last != media.NoTimestamp {
		d.hlsStartTime = last - d.hlsCurDuration
		anchor = true
	}
	d.lockTime.Unlock()

	if anchor {
		cur.UpdateCurTime()
	}
}
