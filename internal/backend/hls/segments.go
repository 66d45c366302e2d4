package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/avdemux/internal/media"
)

const (
	maxPlaylistSize    = 1 << 20
	maxSegmentSize     = 64 << 20
	maxSegmentFailures = 3
	maxRefreshFailures = 5
)

// segmentReader concatenates the segments of the playlist into one
// transport stream, starting at a sequence number. Live playlists are
// refreshed while it waits for new segments.
type segmentReader struct {
	c    *Context
	next int64
	buf  *bytes.Reader
	cc   continuity

	mu   sync.Mutex
	intr media.Interrupt

	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func newSegmentReader(c *Context, seq int64) *segmentReader {
	return &segmentReader{c: c, next: seq, cc: continuity{}, done: make(chan struct{})}
}

// setInterrupt makes fetches abort on intr in addition to Close.
func (r *segmentReader) setInterrupt(intr media.Interrupt) {
	r.mu.Lock()
	r.intr = intr
	r.mu.Unlock()
}

// Interrupted implements media.Interrupt for the nested fetches.
func (r *segmentReader) Interrupted() bool {
	if r.closed.Load() {
		return true
	}
	r.mu.Lock()
	intr := r.intr
	r.mu.Unlock()
	return media.Interrupted(intr)
}

func (r *segmentReader) Read(p []byte) (int, error) {
	failures := 0
	for {
		if r.buf != nil && r.buf.Len() > 0 {
			return r.buf.Read(p)
		}
		if r.closed.Load() {
			return 0, io.ErrClosedPipe
		}

		seg, err := r.nextSegment()
		if err != nil {
			return 0, err
		}

		data, err := r.c.fetch(seg.uri, r, maxSegmentSize)
		if err != nil {
			if errors.Is(err, media.ErrExit) {
				return 0, err
			}
			failures++
			r.c.logger.Warn("segment fetch failed",
				slog.Int64("seq", seg.seq),
				slog.String("error", err.Error()))
			if failures >= maxSegmentFailures {
				return 0, fmt.Errorf("fetching segment %d: %w", seg.seq, err)
			}
			r.next = seg.seq + 1
			continue
		}

		r.c.state.setCur(seg.seq)
		r.cc.join(data)
		r.buf = bytes.NewReader(data)
		r.next = seg.seq + 1
	}
}

// nextSegment returns the segment to read next, waiting for playlist
// refreshes when a live window is exhausted.
func (r *segmentReader) nextSegment() (segment, error) {
	state := r.c.state
	refreshFailures := 0
	for {
		seg, ok, behind := state.lookup(r.next)
		if ok {
			return seg, nil
		}
		if behind {
			start := state.StartSeqNo()
			r.c.logger.Warn("fell behind the live window",
				slog.Int64("seq", r.next),
				slog.Int64("window_start", start))
			r.next = start
			continue
		}
		if !state.isLive() {
			return segment{}, io.EOF
		}

		select {
		case <-time.After(state.refreshInterval(r.c.cfg.RefreshMin)):
		case <-r.done:
			return segment{}, io.ErrClosedPipe
		}

		if err := r.c.refresh(r); err != nil {
			if errors.Is(err, media.ErrExit) {
				return segment{}, err
			}
			refreshFailures++
			r.c.logger.Warn("playlist refresh failed", slog.String("error", err.Error()))
			if refreshFailures >= maxRefreshFailures {
				return segment{}, err
			}
		} else {
			refreshFailures = 0
		}
	}
}

func (r *segmentReader) Close() error {
	r.once.Do(func() {
		r.closed.Store(true)
		close(r.done)
	})
	return nil
}

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47
	tsNullPID    = 0x1FFF
)

// continuity holds the last continuity counter of every PID that carried a
// payload in the segments joined so far.
type continuity map[uint16]byte

// join renumbers the continuity counters of seg in place so they follow on
// from the previous segment. Segments muxed independently restart their
// counters, and the demuxer drops the PES still being assembled when it
// sees a gap. Gaps inside seg are kept.
func (cc continuity) join(seg []byte) {
	offsets := make(map[uint16]byte)
	for off := 0; off+tsPacketSize <= len(seg); off += tsPacketSize {
		pkt := seg[off : off+tsPacketSize]
		if pkt[0] != tsSyncByte {
			return
		}
		pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
		if pid == tsNullPID || pkt[3]&0x10 == 0 {
			continue
		}

		counter := pkt[3] & 0x0F
		shift, ok := offsets[pid]
		if !ok {
			if last, seen := cc[pid]; seen {
				shift = (last + 1 - counter) & 0x0F
			}
			offsets[pid] = shift
		}
		counter = (counter + shift) & 0x0F
		pkt[3] = pkt[3]&0xF0 | counter
		cc[pid] = counter
	}
}

// fetch reads a nested resource through the I/O hook, up to limit bytes.
func (c *Context) fetch(rawURL string, intr media.Interrupt, limit int64) ([]byte, error) {
	if c.ioOpen == nil {
		return nil, fmt.Errorf("%w: no I/O handler for %s", media.ErrFormatNotFound, rawURL)
	}
	rc, err := c.ioOpen(context.Background(), media.IORequest{
		URL:       rawURL,
		Options:   c.ioOptions.Clone(),
		Interrupt: intr,
	})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readLimited(rc, limit)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: resource larger than %d bytes", media.ErrInvalidData, limit)
	}
	return data, nil
}

// refresh reloads the media playlist.
func (c *Context) refresh(intr media.Interrupt) error {
	body, err := c.fetch(c.state.url, intr, maxPlaylistSize)
	if err != nil {
		return err
	}
	m, err := parseMedia(body)
	if err != nil {
		return err
	}
	c.state.update(m)
	c.logger.Debug("playlist refreshed",
		slog.Int64("start_seq", c.state.StartSeqNo()),
		slog.Int("segments", len(m.Segments)),
		slog.Bool("ended", m.Endlist))
	return nil
}
