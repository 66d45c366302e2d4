package demux

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/jmylchreest/avdemux/internal/media"
)

// GetNextVideoPacket returns the next video packet, taking it from the video
// queue when one is buffered. The read loop must not be running.
func (d *Demuxer) GetNextVideoPacket() (*media.Packet, error) {
	if p := d.videoPackets.Dequeue(); p != nil {
		return p, nil
	}
	video := d.VideoTrack()
	if video == nil {
		return nil, fmt.Errorf("%w: no video track", ErrInvalidInput)
	}
	return d.GetNextPacket(video.Index)
}

// GetNextPacket reads until a packet of streamIndex arrives, or any enabled
// track when streamIndex is -1. The caller owns the returned packet. At the
// end of the input it returns a drain packet together with io.EOF and the
// status becomes Ended. The read loop must not be running.
func (d *Demuxer) GetNextPacket(streamIndex int) (*media.Packet, error) {
	if d.running.Load() {
		return nil, ErrRunning
	}

	d.lockFmtCtx.Lock()
	defer d.lockFmtCtx.Unlock()

	if d.disposed.Load() || d.fmtCtx == nil {
		return nil, ErrDisposed
	}

	for {
		d.interrupter.ReadRequest()
		err := d.fmtCtx.ReadPacket(d.recv)
		if err != nil {
			d.recv.Unref()
			switch {
			case errors.Is(err, io.EOF):
				d.setStatus(StatusEnded)
				return d.pool.Drain(streamIndex), io.EOF
			case d.interrupter.Timedout():
				return nil, ErrTimedOut
			case errors.Is(err, media.ErrExit):
				return nil, ErrCancelled
			}
			return nil, err
		}

		idx := d.recv.StreamIndex
		if streamIndex == -1 {
			d.lockStreams.RLock()
			wanted := slices.ContainsFunc(d.enabled, func(t *Track) bool { return t.Index == idx })
			d.lockStreams.RUnlock()
			if wanted {
				break
			}
		} else if idx == streamIndex {
			break
		}
		d.recv.Unref()
	}

	pkt := d.recv
	d.totalBytes.Add(int64(pkt.Size()))
	d.recv = d.pool.Get()
	return pkt, nil
}
