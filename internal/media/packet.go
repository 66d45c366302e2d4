package media

import (
	"sync/atomic"
)

// PacketFlags carries per-packet flags.
type PacketFlags uint32

// Packet flags.
const (
	FlagKey PacketFlags = 1 << iota
	FlagCorrupt
	FlagDiscard
)

// Packet is an owned handle to one encoded frame.
//
// Packets are allocated from a PacketPool. Whoever holds a packet owns it and
// must call Free exactly once when done; queues take ownership on insertion
// and release it on removal or clear. A packet with nil Data is a drain
// sentinel telling a decoder to flush.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	Pos         int64
	Flags       PacketFlags
	Data        []byte

	pool  *PacketPool
	freed atomic.Bool
}

// IsKey reports whether the packet starts a decodable group.
func (p *Packet) IsKey() bool {
	return p.Flags&FlagKey != 0
}

// Size returns the payload size in bytes.
func (p *Packet) Size() int {
	return len(p.Data)
}

// IsDrain reports whether the packet is a drain sentinel.
func (p *Packet) IsDrain() bool {
	return p.Data == nil
}

// Timestamp returns the DTS if set, otherwise the PTS.
func (p *Packet) Timestamp() int64 {
	if p.DTS != NoTimestamp {
		return p.DTS
	}
	return p.PTS
}

// HasTimestamp reports whether either PTS or DTS is set.
func (p *Packet) HasTimestamp() bool {
	return p.DTS != NoTimestamp || p.PTS != NoTimestamp
}

// Unref drops the payload and metadata, keeping the handle allocated.
func (p *Packet) Unref() {
	p.StreamIndex = -1
	p.PTS = NoTimestamp
	p.DTS = NoTimestamp
	p.Duration = 0
	p.Pos = -1
	p.Flags = 0
	p.Data = nil
}

// Clone returns a new handle from the same pool carrying a copy of the payload.
func (p *Packet) Clone() *Packet {
	var c *Packet
	if p.pool != nil {
		c = p.pool.Get()
	} else {
		c = &Packet{}
	}
	c.StreamIndex = p.StreamIndex
	c.PTS = p.PTS
	c.DTS = p.DTS
	c.Duration = p.Duration
	c.Pos = p.Pos
	c.Flags = p.Flags
	if p.Data != nil {
		c.Data = append(make([]byte, 0, len(p.Data)), p.Data...)
	}
	return c
}

// Free releases the handle. Freeing twice is a no-op.
func (p *Packet) Free() {
	if p == nil || p.freed.Swap(true) {
		return
	}
	p.Data = nil
	if p.pool != nil {
		p.pool.live.Add(-1)
	}
}

// Freed reports whether Free has been called.
func (p *Packet) Freed() bool {
	return p.freed.Load()
}

// PacketPool allocates packets and tracks how many are still live.
type PacketPool struct {
	live   atomic.Int64
	allocs atomic.Int64
}

// NewPacketPool creates an empty pool.
func NewPacketPool() *PacketPool {
	return &PacketPool{}
}

// Get allocates an empty packet.
func (pp *PacketPool) Get() *Packet {
	pp.live.Add(1)
	pp.allocs.Add(1)
	p := &Packet{pool: pp}
	p.Unref()
	return p
}

// Drain allocates a drain sentinel for the given stream.
func (pp *PacketPool) Drain(streamIndex int) *Packet {
	p := pp.Get()
	p.StreamIndex = streamIndex
	return p
}

// Live returns the number of allocated packets not yet freed.
func (pp *PacketPool) Live() int64 {
	return pp.live.Load()
}

// Allocs returns the total number of packets allocated.
func (pp *PacketPool) Allocs() int64 {
	return pp.allocs.Load()
}
