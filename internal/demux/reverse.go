package demux

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmylchreest/avdemux/internal/media"
)

var errNoReverseTrack = fmt.Errorf("%w: reverse playback requires a video track", ErrInvalidInput)

// PacketGroup is the video packets between two keyframes in decode order,
// terminated by a drain packet.
type PacketGroup struct {
	Packets []*media.Packet
}

// Free releases every packet of the group.
func (g *PacketGroup) Free() {
	for _, p := range g.Packets {
		p.Free()
	}
	g.Packets = nil
}

// ReverseSegment is a stack of groups produced by one backward seek; the
// most recent group is on top.
type ReverseSegment struct {
	mu     sync.Mutex
	groups []*PacketGroup
}

// NewReverseSegment returns an empty segment.
func NewReverseSegment() *ReverseSegment {
	return &ReverseSegment{}
}

// Push adds g on top.
func (s *ReverseSegment) Push(g *PacketGroup) {
	s.mu.Lock()
	s.groups = append(s.groups, g)
	s.mu.Unlock()
}

// Pop removes and returns the top group, or nil.
func (s *ReverseSegment) Pop() *PacketGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.groups)
	if n == 0 {
		return nil
	}
	g := s.groups[n-1]
	s.groups[n-1] = nil
	s.groups = s.groups[:n-1]
	return g
}

// Len returns the number of groups.
func (s *ReverseSegment) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}

// Free releases every group.
func (s *ReverseSegment) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		g.Free()
	}
	s.groups = nil
}

// ReverseQueue is the FIFO of segments handed to the reverse video decoder.
type ReverseQueue struct {
	mu       sync.Mutex
	segments []*ReverseSegment
}

// NewReverseQueue returns an empty queue.
func NewReverseQueue() *ReverseQueue {
	return &ReverseQueue{}
}

// Enqueue appends s.
func (q *ReverseQueue) Enqueue(s *ReverseSegment) {
	q.mu.Lock()
	q.segments = append(q.segments, s)
	q.mu.Unlock()
}

// Peek returns the oldest segment without removing it, or nil.
func (q *ReverseQueue) Peek() *ReverseSegment {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.segments) == 0 {
		return nil
	}
	return q.segments[0]
}

// Dequeue removes and returns the oldest segment, or nil.
func (q *ReverseQueue) Dequeue() *ReverseSegment {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.segments) == 0 {
		return nil
	}
	s := q.segments[0]
	q.segments[0] = nil
	q.segments = q.segments[1:]
	return s
}

// Count returns the number of segments.
func (q *ReverseQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.segments)
}

// NextGroup pops the next group in playback order, dropping exhausted
// segments. It returns nil when nothing is buffered.
func (q *ReverseQueue) NextGroup() *PacketGroup {
	for {
		s := q.Peek()
		if s == nil {
			return nil
		}
		if g := s.Pop(); g != nil {
			return g
		}
		q.mu.Lock()
		if len(q.segments) > 0 && q.segments[0] == s {
			q.segments[0] = nil
			q.segments = q.segments[1:]
		}
		q.mu.Unlock()
	}
}

// Clear frees every buffered segment.
func (q *ReverseQueue) Clear() {
	q.mu.Lock()
	segs := q.segments
	q.segments = nil
	q.mu.Unlock()

	for _, s := range segs {
		s.Free()
	}
}

// reverseState is the read position of the reverse loop, in video timebase
// units. Guarded by lockFmtCtx.
type reverseState struct {
	group         []*media.Packet
	stack         *ReverseSegment
	startPts      int64
	stopPts       int64
	stopRequested int64
	seekOffset    int64
}

func (r *reverseState) reset() {
	r.startPts = media.NoTimestamp
	r.stopPts = media.NoTimestamp
	r.stopRequested = media.NoTimestamp
}

// freeGroup releases the packets gathered for the current segment.
func (r *reverseState) freeGroup() {
	for _, p := range r.group {
		p.Free()
	}
	r.group = nil
	if r.stack != nil {
		r.stack.Free()
	}
}

// EnableReversePlayback seeks to ticks (relative to the input start) and
// selects the reverse read loop, which emits groups that end before ticks
// and walk back to the start. The loop must be restarted to take effect.
func (d *Demuxer) EnableReversePlayback(ticks int64) error {
	d.lockActions.Lock()
	defer d.lockActions.Unlock()

	video := d.VideoTrack()
	if video == nil {
		return errNoReverseTrack
	}

	d.isReverse.Store(true)
	target := d.StartTime() + ticks
	err := d.seekLocked(target, false)

	d.lockFmtCtx.Lock()
	d.rev.stopRequested = media.Rescale(media.TicksToMicros(target), media.TimeBaseMicros, video.TimeBase)
	d.lockFmtCtx.Unlock()

	return err
}

// DisableReversePlayback selects the forward read loop.
func (d *Demuxer) DisableReversePlayback() {
	d.isReverse.Store(false)
}

func (d *Demuxer) runReverse() {
	d.lockFmtCtx.Lock()
	video := d.videoTrack
	if video == nil {
		d.lockFmtCtx.Unlock()
		d.fail(errNoReverseTrack)
		return
	}
	d.allowedErrors = d.cfg.MaxErrors
	d.rev.seekOffset = media.Rescale(d.cfg.ReverseSeekOffset.Microseconds(), media.TimeBaseMicros, video.TimeBase)
	if d.rev.stack == nil {
		d.rev.stack = NewReverseSegment()
	}
	d.lockFmtCtx.Unlock()

	full := func() bool { return d.reverse.Count() > d.cfg.ReverseQueueDepth }

	gotExit := false
	for ok := true; ok; ok = d.Status() == StatusRunning {
		if full() {
			if !d.waitQueue(full) {
				break
			}
		} else if gotExit {
			gotExit = false
			time.Sleep(d.cfg.InterruptBackoff)
		}

		if !d.readReverse(video) {
			gotExit = true
		}
	}
}

// closeGroup terminates the current group with a drain packet and pushes it
// on the segment stack.
func (d *Demuxer) closeGroup(video *Track) {
	if len(d.rev.group) == 0 {
		return
	}
	g := &PacketGroup{Packets: append(d.rev.group, d.pool.Drain(video.Index))}
	d.rev.group = nil
	d.rev.stack.Push(g)
}

// flushSegment hands the current segment to the consumer.
func (d *Demuxer) flushSegment() {
	if d.rev.stack.Len() == 0 {
		return
	}
	d.reverse.Enqueue(d.rev.stack)
	d.rev.stack = NewReverseSegment()
}

// seekBack repositions before the current segment start. It reports false
// when reverse playback reached the start of the input or the seek failed.
func (d *Demuxer) seekBack(video *Track) bool {
	if d.rev.startPts != media.NoTimestamp && d.rev.startPts <= video.StartTimePts {
		d.setStatus(StatusEnded)
		return false
	}

	target := max(d.rev.startPts-d.rev.seekOffset, video.StartTimePts)
	d.interrupter.SeekRequest()
	if err := d.fmtCtx.Seek(media.SeekBackwardTo(video.Index, target, 0)); err != nil {
		d.fail(fmt.Errorf("reverse seek to %d: %w", target, err))
		return false
	}

	d.rev.stopPts = d.rev.startPts
	d.rev.startPts = media.NoTimestamp
	return true
}

// readReverse reads one packet in reverse mode. It reports false after an
// aborted or failed read.
func (d *Demuxer) readReverse(video *Track) bool {
	d.lockFmtCtx.Lock()
	defer d.lockFmtCtx.Unlock()

	switch d.readPacket() {
	case readRetry:
		return false
	case readStop:
		return true
	case readEOF:
		d.closeGroup(video)
		d.flushSegment()
		if d.rev.startPts == media.NoTimestamp {
			d.rev.startPts = d.rev.stopPts
		}
		if d.rev.startPts == media.NoTimestamp {
			d.setStatus(StatusEnded)
			return true
		}
		d.seekBack(video)
		return true
	}

	pkt := d.recv
	if pkt.StreamIndex != video.Index {
		pkt.Unref()
		return true
	}

	key := pkt.IsKey()
	if key {
		if d.rev.startPts == media.NoTimestamp {
			d.rev.startPts = pkt.PTS
		}
		d.closeGroup(video)
	}

	pts := pkt.PTS
	stop := pts != media.NoTimestamp &&
		((d.rev.stopRequested != media.NoTimestamp && d.rev.stopRequested <= pts) ||
			(d.rev.stopPts == media.NoTimestamp && key && pts != d.rev.startPts) ||
			pts == d.rev.stopPts)

	if !stop {
		if d.rev.startPts != media.NoTimestamp {
			d.rev.group = append(d.rev.group, pkt)
			d.recv = d.pool.Get()
		} else {
			pkt.Unref()
		}
		return true
	}

	if d.rev.startPts == media.NoTimestamp || d.rev.stopPts == d.rev.startPts {
		d.rev.seekOffset *= 2
		if d.rev.startPts == media.NoTimestamp {
			d.rev.startPts = d.rev.stopPts
		}
		if d.rev.startPts == media.NoTimestamp {
			d.rev.startPts = d.rev.stopRequested
		}
	}
	d.rev.stopRequested = media.NoTimestamp

	if !key {
		d.closeGroup(video)
	}
	d.flushSegment()
	pkt.Unref()

	d.seekBack(video)
	return true
}
