package demux

import (
	"sync"
	"sync/atomic"

	"github.com/jmylchreest/avdemux/internal/media"
)

// defaultFrameDuration is the per-packet estimate used by every queue until
// a video track supplies its own frame duration.
const defaultFrameDuration = 30 * 1000 * 10000

// queueClock maps a queue's first timestamp to its playback position.
// It receives the previous position so a clock may leave it unchanged.
type queueClock func(first, prev int64) int64

// PacketQueue is a FIFO of owned packets that tracks its buffered time range.
//
// The queue takes ownership of every enqueued packet. Dequeue transfers it
// to the caller; Clear frees everything left.
type PacketQueue struct {
	mu      sync.Mutex
	packets []*media.Packet
	count   atomic.Int64

	timebase func(streamIndex int) media.Rational
	clock    queueClock

	frameDuration    int64
	bytes            int64
	bufferedDuration int64
	curTime          int64
	first            int64
	last             int64
}

// NewPacketQueue creates an empty queue. timebase resolves a packet's stream
// timebase; clock may be nil, in which case CurTime equals the first timestamp.
func NewPacketQueue(timebase func(streamIndex int) media.Rational, clock queueClock) *PacketQueue {
	q := &PacketQueue{
		timebase:      timebase,
		clock:         clock,
		frameDuration: defaultFrameDuration,
		first:         media.NoTimestamp,
		last:          media.NoTimestamp,
	}
	return q
}

// Count returns the number of queued packets.
func (q *PacketQueue) Count() int {
	return int(q.count.Load())
}

// IsEmpty reports whether the queue holds no packets.
func (q *PacketQueue) IsEmpty() bool {
	return q.count.Load() == 0
}

// Bytes returns the payload bytes queued.
func (q *PacketQueue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// BufferedDuration returns last minus first timestamp in ticks, or the
// frame count estimate when timestamps are missing.
func (q *PacketQueue) BufferedDuration() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bufferedDuration
}

// CurTime returns the playback position of the queue head in ticks.
func (q *PacketQueue) CurTime() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.curTime
}

// FirstTimestamp returns the head timestamp in ticks, or NoTimestamp.
func (q *PacketQueue) FirstTimestamp() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.first
}

// LastTimestamp returns the tail timestamp in ticks, or NoTimestamp.
func (q *PacketQueue) LastTimestamp() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// FrameDuration returns the per-packet duration estimate in ticks.
func (q *PacketQueue) FrameDuration() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frameDuration
}

// SetFrameDuration sets the per-packet duration estimate; non-positive
// values restore the default.
func (q *PacketQueue) SetFrameDuration(ticks int64) {
	if ticks <= 0 {
		ticks = defaultFrameDuration
	}
	q.mu.Lock()
	q.frameDuration = ticks
	q.mu.Unlock()
}

func (q *PacketQueue) ticks(p *media.Packet) int64 {
	ts := p.Timestamp()
	if ts == media.NoTimestamp {
		return media.NoTimestamp
	}
	return q.timebase(p.StreamIndex).ToTicks(ts)
}

// Enqueue appends p, taking ownership.
func (q *PacketQueue) Enqueue(p *media.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.packets = append(q.packets, p)
	q.count.Add(1)
	q.bytes += int64(p.Size())

	if ts := q.ticks(p); ts != media.NoTimestamp {
		q.last = ts
		if q.first == media.NoTimestamp {
			q.first = ts
			q.updateCurTimeLocked()
		} else {
			q.updateBufferedLocked()
		}
	} else {
		q.bufferedDuration = int64(len(q.packets)) * q.frameDuration
	}
}

// Dequeue removes and returns the head packet, or nil when empty.
func (q *PacketQueue) Dequeue() *media.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.packets) == 0 {
		return nil
	}
	p := q.packets[0]
	q.packets[0] = nil
	q.packets = q.packets[1:]
	q.count.Add(-1)
	q.bytes -= int64(p.Size())

	if ts := q.ticks(p); ts != media.NoTimestamp {
		q.first = ts
		q.updateCurTimeLocked()
	} else {
		q.bufferedDuration = int64(len(q.packets)) * q.frameDuration
	}
	if len(q.packets) == 0 {
		q.packets = nil
	}
	return p
}

// Peek returns the head packet without removing it, or nil.
func (q *PacketQueue) Peek() *media.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) == 0 {
		return nil
	}
	return q.packets[0]
}

// Clear frees every queued packet and resets the time tracking.
func (q *PacketQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range q.packets {
		p.Free()
	}
	q.packets = nil
	q.count.Store(0)
	q.bytes = 0
	q.bufferedDuration = 0
	q.curTime = 0
	q.first = media.NoTimestamp
	q.last = media.NoTimestamp
}

// UpdateCurTime recomputes CurTime and BufferedDuration from the head and tail.
func (q *PacketQueue) UpdateCurTime() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updateCurTimeLocked()
}

func (q *PacketQueue) updateCurTimeLocked() {
	if q.first != media.NoTimestamp {
		if q.clock != nil {
			q.curTime = q.clock(q.first, q.curTime)
		} else {
			q.curTime = q.first
		}
		if q.curTime < 0 {
			q.curTime = 0
		}
	}
	q.updateBufferedLocked()
}

func (q *PacketQueue) updateBufferedLocked() {
	if q.first != media.NoTimestamp && q.last != media.NoTimestamp && q.last >= q.first {
		q.bufferedDuration = q.last - q.first
		return
	}
	q.bufferedDuration = int64(len(q.packets)) * q.frameDuration
}
