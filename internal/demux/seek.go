package demux

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/jmylchreest/avdemux/internal/media"
)

// SeekInQueue drops buffered packets up to ticks when the position is
// already buffered. For video the queues are advanced to the first keyframe
// after ticks. It returns ErrNotFoundInQueue when the caller must fall back
// to Seek.
func (d *Demuxer) SeekInQueue(ticks int64, forward bool) error {
	d.lockActions.Lock()
	defer d.lockActions.Unlock()

	if d.disposed.Load() {
		return ErrDisposed
	}

	d.lockTime.Lock()
	startTime := d.startTime
	hlsCtx := d.hlsCtx
	hlsStartTime := d.hlsStartTime
	d.lockTime.Unlock()

	if hlsCtx != nil && hlsStartTime != media.NoTimestamp {
		ticks += hlsStartTime - media.MicrosToTicks(hlsCtx.FirstTimestamp())
		startTime = hlsStartTime
	}

	d.lockStreams.RLock()
	video := d.videoTrack
	subSlots := append([]*Track(nil), d.subtitleSlots...)
	d.lockStreams.RUnlock()

	window := durationTicks(d.cfg.SeekInQueueWindow)
	if video != nil && forward {
		window = durationTicks(d.cfg.SeekInQueueVideoWindow)
	}

	curTime := d.CurTime()
	buffered := d.BufferedDuration()
	if !(ticks+window > curTime+startTime && ticks < curTime+startTime+buffered) {
		return ErrNotFoundInQueue
	}

	found := false

	if video != nil {
		for {
			p := d.videoPackets.Peek()
			if p == nil {
				break
			}
			if p.PTS != media.NoTimestamp && p.IsKey() {
				if pts := video.ToTicks(p.PTS); ticks <= pts {
					found = true
					ticks = pts
					break
				}
			}
			d.videoPackets.Dequeue().Free()
		}
	}

	for {
		p := d.audioPackets.Peek()
		if p == nil {
			break
		}
		if p.PTS != media.NoTimestamp && d.timebaseOf(p.StreamIndex).ToTicks(p.PTS+p.Duration) >= ticks {
			if d.typ == media.TypeAudio || video == nil {
				found = true
			}
			break
		}
		d.audioPackets.Dequeue().Free()
	}

	for i, q := range d.subtitlePackets {
		if subSlots[i] == nil {
			continue
		}
		for {
			p := q.Peek()
			if p == nil {
				break
			}
			if p.PTS != media.NoTimestamp && ticks < subSlots[i].ToTicks(p.PTS+p.Duration) {
				if d.typ == media.TypeSubtitle {
					found = true
				}
				break
			}
			q.Dequeue().Free()
		}
	}

	for {
		p := d.dataPackets.Peek()
		if p == nil {
			break
		}
		if p.PTS != media.NoTimestamp && ticks < d.timebaseOf(p.StreamIndex).ToTicks(p.PTS+p.Duration) {
			if d.typ == media.TypeData {
				found = true
			}
			break
		}
		d.dataPackets.Dequeue().Free()
	}

	if !found {
		return ErrNotFoundInQueue
	}
	d.logger.Debug("seek found in queue", slog.Duration("position", ticksDuration(ticks)))
	return nil
}

// Seek repositions the input near ticks. With a video track the backend
// seeks to a keyframe (after ticks when forward, before it otherwise);
// without video any packet may be the target. A failed seek is retried
// once in the opposite direction. Every queue is cleared.
func (d *Demuxer) Seek(ticks int64, forward bool) error {
	d.lockActions.Lock()
	defer d.lockActions.Unlock()
	return d.seekLocked(ticks, forward)
}

func (d *Demuxer) seekLocked(ticks int64, forward bool) error {
	if d.disposed.Load() {
		return ErrDisposed
	}

	d.interrupter.SetForceInterrupt(true)
	d.lockFmtCtx.Lock()
	defer d.lockFmtCtx.Unlock()
	d.interrupter.SetForceInterrupt(false)

	if d.fmtCtx == nil {
		return ErrDisposed
	}

	savedPos, hasPos := d.fmtCtx.IOPosition()
	d.fmtCtx.Flush()

	d.lockTime.Lock()
	hlsCtx := d.hlsCtx
	startTime := d.startTime
	d.lockTime.Unlock()

	if hlsCtx != nil {
		hlsCtx.MarkSeekable()
	}

	d.lockStreams.RLock()
	video := d.videoTrack
	d.lockStreams.RUnlock()

	us := media.TicksToMicros(ticks)
	var first, retry media.SeekRequest

	d.interrupter.SeekRequest()
	if video != nil {
		d.logger.Debug("seek requested", slog.Duration("position", ticksDuration(ticks)), slog.Bool("forward", forward))
		switch {
		case ticks <= startTime:
			first = media.SeekBackwardTo(-1, media.TicksToMicros(startTime), 0)
		case forward:
			first = media.SeekForwardTo(-1, us, 0)
		default:
			first = media.SeekBackwardTo(-1, us, 0)
		}
		if forward {
			retry = media.SeekBackwardTo(-1, us, 0)
		} else {
			retry = media.SeekForwardTo(-1, us, 0)
		}
		d.rev.startPts = media.NoTimestamp
		d.rev.stopPts = media.NoTimestamp
	} else {
		d.logger.Debug("seek requested (any)", slog.Duration("position", ticksDuration(ticks)), slog.Bool("forward", forward))
		anyForward := media.SeekRequest{StreamIndex: -1, Min: us, TS: us, Max: math.MaxInt64, Flags: media.SeekAny}
		anyBackward := media.SeekRequest{StreamIndex: -1, Min: media.NoTimestamp, TS: us, Max: us, Flags: media.SeekAny}
		if forward {
			first, retry = anyForward, anyBackward
		} else {
			first, retry = anyBackward, anyForward
		}
	}

	err := d.fmtCtx.Seek(first)
	if err != nil {
		if hlsCtx != nil {
			hlsCtx.MarkSeekable()
		}
		d.logger.Info("seek failed 1/2, retrying", slog.String("error", err.Error()))

		d.interrupter.SeekRequest()
		if err = d.fmtCtx.Seek(retry); err != nil {
			d.logger.Warn("seek failed 2/2", slog.String("error", err.Error()))
			d.fmtCtx.Flush()
			if hasPos {
				if perr := d.fmtCtx.SeekIO(savedPos); perr != nil {
					d.logger.Debug("restoring input position failed", slog.String("error", perr.Error()))
				}
			}
			d.fmtCtx.Flush()
			err = fmt.Errorf("%w: %w", media.ErrSeekFailed, err)
		}
	}

	if err == nil {
		d.lockTime.Lock()
		d.lastSeekTime = ticks - d.startTime
		if d.hlsCtx != nil && d.hlsStartTime != media.NoTimestamp {
			d.lastSeekTime -= d.hlsStartTime
		}
		d.lockTime.Unlock()
	}

	d.disposePackets()
	d.casStatus(StatusEnded, StatusStopped)
	d.interrupter.Reset()

	return err
}
