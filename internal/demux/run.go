package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/avdemux/internal/media"
	"github.com/jmylchreest/avdemux/internal/observability"
)

func (d *Demuxer) queueFull() bool {
	cur := d.CurPackets()
	if cur.BufferedDuration() > durationTicks(d.cfg.BufferDuration) {
		return true
	}
	return d.cfg.BufferPackets != 0 && cur.Count() > d.cfg.BufferPackets
}

// waitQueue blocks while full reports true. It reports false when the
// loop must exit.
func (d *Demuxer) waitQueue(full func() bool) bool {
	d.casStatus(StatusRunning, StatusQueueFull)

	for !d.pauseOnQueueFull.Load() && full() && d.Status() == StatusQueueFull {
		time.Sleep(d.cfg.QueueFullPoll)
	}

	if d.pauseOnQueueFull.CompareAndSwap(true, false) {
		d.setStatus(StatusPausing)
	}
	return d.casStatus(StatusQueueFull, StatusRunning)
}

// readResult is the outcome of one backend read inside the loop.
type readResult int

const (
	readOK readResult = iota
	readRetry
	readEOF
	readStop
)

// readPacket reads into d.recv and applies the shared error policy. The
// caller holds lockFmtCtx.
func (d *Demuxer) readPacket() readResult {
	d.interrupter.ReadRequest()
	err := d.fmtCtx.ReadPacket(d.recv)

	if d.interrupter.ForceInterrupt() {
		d.recv.Unref()
		return readRetry
	}

	if err != nil {
		d.recv.Unref()

		if errors.Is(err, io.EOF) {
			return readEOF
		}
		if d.interrupter.Timedout() {
			d.fail(fmt.Errorf("%w: %w", ErrTimedOut, err))
			return readStop
		}

		d.allowedErrors--
		d.logger.Warn("read failed", slog.String("error", err.Error()), slog.Int("remaining", d.allowedErrors))
		if d.allowedErrors <= 0 {
			d.fail(fmt.Errorf("%w: %w", ErrTooManyErrors, err))
			return readStop
		}
		return readRetry
	}

	d.totalBytes.Add(int64(d.recv.Size()))
	return readOK
}

func (d *Demuxer) runForward() {
	d.lockFmtCtx.Lock()
	d.allowedErrors = d.cfg.MaxErrors
	d.audioLimitFired = false
	d.lastVideoPts = 0
	d.lockFmtCtx.Unlock()

	gotExit := false
	for ok := true; ok; ok = d.Status() == StatusRunning {
		if d.queueFull() {
			if !d.waitQueue(d.queueFull) {
				break
			}
		} else if gotExit {
			gotExit = false
			time.Sleep(d.cfg.InterruptBackoff)
		}

		if !d.readAndDispatch() {
			gotExit = true
		}
	}
}

// readAndDispatch reads one packet and routes it. It reports false after an
// aborted or failed read.
func (d *Demuxer) readAndDispatch() bool {
	d.lockFmtCtx.Lock()
	defer d.lockFmtCtx.Unlock()

	switch d.readPacket() {
	case readRetry:
		return false
	case readEOF:
		d.setStatus(StatusEnded)
		return true
	case readStop:
		return true
	}

	pkt := d.recv
	t := d.byIndex[pkt.StreamIndex]
	if t == nil || !t.Enabled() {
		pkt.Unref()
		return true
	}

	if d.IsHLSLive() {
		d.UpdateHLSTime()
	}

	if d.logger.Enabled(context.Background(), observability.LevelTrace) {
		d.logger.Log(context.Background(), observability.LevelTrace, "packet",
			slog.String("type", t.Type.String()),
			slog.Int64("dts", pkt.DTS),
			slog.Int64("pts", pkt.PTS),
			slog.Duration("cur_time", ticksDuration(d.CurTime())),
			slog.Duration("buffered", ticksDuration(d.BufferedDuration())),
		)
	}

	if !d.useAVS {
		d.packets.Enqueue(pkt)
		d.recv = d.pool.Get()
		return true
	}

	switch t.Type {
	case media.TypeAudio:
		if d.cfg.MaxAudioPackets != 0 && d.audioPackets.Count() > d.cfg.MaxAudioPackets {
			pkt.Unref()
			if !d.audioLimitFired {
				d.audioLimitFired = true
				d.logger.Warn("audio queue limit reached, dropping packets", slog.Int("limit", d.cfg.MaxAudioPackets))
				d.emit(EventAudioLimit)
			}
			return true
		}
		d.audioPackets.Enqueue(pkt)
		d.recv = d.pool.Get()

	case media.TypeVideo:
		d.lastVideoPts = pkt.PTS
		d.videoPackets.Enqueue(pkt)
		d.recv = d.pool.Get()

	case media.TypeSubtitle:
		for i, slot := range d.subtitleSlots {
			if slot != nil && slot.Index == pkt.StreamIndex {
				d.subtitlePackets[i].Enqueue(pkt.Clone())
			}
		}
		pkt.Unref()

	case media.TypeData:
		if pkt.PTS == media.NoTimestamp {
			pkt.PTS = d.lastVideoPts
		}
		d.dataPackets.Enqueue(pkt)
		d.recv = d.pool.Get()

	default:
		pkt.Unref()
	}
	return true
}
