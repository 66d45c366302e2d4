package mpegts

import (
	"errors"
	"io"
	"log/slog"
	"math"

	"github.com/jmylchreest/avdemux/internal/media"
)

// indexEntry is one decoded frame of an indexed input. Its ordinal is its
// position in Index.entries.
type indexEntry struct {
	pid uint16
	pts int64
	dts int64
	dur int64
	key bool
}

// Index is the frame table of a fully scanned seekable input.
type Index struct {
	entries []indexEntry
	size    int64
}

// streamRange is the timestamp span of one PID in 90kHz units.
type streamRange struct {
	start int64
	end   int64
	count int
}

const indexInterruptEvery = 256

// BuildIndex decodes the whole of src and records every frame.
func BuildIndex(src io.Reader, size int64, intr media.Interrupt, logger *slog.Logger) (*Index, error) {
	d, err := NewDecoder(src, logger)
	if err != nil {
		return nil, err
	}

	idx := &Index{size: size}
	for n := 0; ; n++ {
		if n%indexInterruptEvery == 0 && media.Interrupted(intr) {
			return nil, media.ErrExit
		}
		f, err := d.Next()
		if err != nil {
			if errors.Is(normalizeEOF(err), io.EOF) {
				return idx, nil
			}
			return nil, err
		}
		idx.entries = append(idx.entries, indexEntry{
			pid: f.PID,
			pts: f.PTS,
			dts: f.DTS,
			dur: f.Duration,
			key: f.Key,
		})
	}
}

// Len returns the number of indexed frames.
func (x *Index) Len() int {
	return len(x.entries)
}

// Ranges returns the timestamp span of each PID. The end includes the
// duration of the last frame when it is known.
func (x *Index) Ranges() map[uint16]streamRange {
	out := map[uint16]streamRange{}
	for _, e := range x.entries {
		ts := e.pts
		if ts == media.NoTimestamp {
			ts = e.dts
		}
		if ts == media.NoTimestamp {
			continue
		}
		r, ok := out[e.pid]
		if !ok {
			r = streamRange{start: ts, end: ts}
		}
		r.start = min(r.start, ts)
		r.end = max(r.end, ts+e.dur)
		r.count++
		out[e.pid] = r
	}
	return out
}

// Find returns the ordinal of the frame of pid whose pts is inside
// [minTS, maxTS] and closest to target. Timestamps are in 90kHz units.
func (x *Index) Find(pid uint16, minTS, target, maxTS int64, anyFrame bool) (int, bool) {
	best := -1
	bestDist := uint64(math.MaxUint64)
	for i, e := range x.entries {
		if e.pid != pid || (!anyFrame && !e.key) || e.pts == media.NoTimestamp {
			continue
		}
		if minTS != media.NoTimestamp && e.pts < minTS {
			continue
		}
		if maxTS != media.NoTimestamp && e.pts > maxTS {
			continue
		}
		d := e.pts - target
		if d < 0 {
			d = -d
		}
		if uint64(d) < bestDist {
			best, bestDist = i, uint64(d)
		}
	}
	return best, best >= 0
}
