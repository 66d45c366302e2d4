package hls

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/avdemux/internal/media"
)

var (
	// ErrUnsupportedPlaylist is returned for playlists whose segments cannot
	// be demuxed as transport streams.
	ErrUnsupportedPlaylist = errors.New("unsupported hls playlist")

	// ErrNoVariants is returned for a multivariant playlist without variants.
	ErrNoVariants = errors.New("multivariant playlist has no variants")
)

// segment is a media segment with an absolute URI.
type segment struct {
	seq      int64
	uri      string
	duration time.Duration
}

// playlistState is the live view of the selected media playlist. It is
// updated by the segment reader and read by the demuxer.
type playlistState struct {
	mu       sync.Mutex
	url      string
	target   time.Duration
	live     bool
	startSeq int64
	curSeq   int64
	segments []segment
	// durations keeps every segment duration seen, including the ones that
	// left the live window, so timestamps can be mapped across the timeline.
	durations map[int64]time.Duration
}

func newPlaylistState(mediaURL string, m *playlist.Media) *playlistState {
	s := &playlistState{url: mediaURL, durations: map[int64]time.Duration{}}
	s.update(m)
	s.curSeq = s.startSeq
	return s
}

// update replaces the window with the segments of m.
func (s *playlistState) update(m *playlist.Media) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.target = time.Duration(m.TargetDuration) * time.Second
	s.live = !m.Endlist
	s.startSeq = int64(m.MediaSequence)
	s.segments = s.segments[:0]
	for i, seg := range m.Segments {
		if seg == nil {
			continue
		}
		seq := s.startSeq + int64(i)
		s.segments = append(s.segments, segment{
			seq:      seq,
			uri:      resolveURL(s.url, seg.URI),
			duration: seg.Duration,
		})
		s.durations[seq] = seg.Duration
	}
}

// lookup returns the segment with sequence seq. behind is set when seq
// already left the window.
func (s *playlistState) lookup(seq int64) (seg segment, ok, behind bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.startSeq {
		return segment{}, false, true
	}
	i := int(seq - s.startSeq)
	if i < len(s.segments) {
		return s.segments[i], true, false
	}
	return segment{}, false, false
}

func (s *playlistState) window() []segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.segments)
}

func (s *playlistState) isLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// refreshInterval is half the target duration, never below floor.
func (s *playlistState) refreshInterval(floor time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(s.target/2, floor)
}

func (s *playlistState) setCur(seq int64) {
	s.mu.Lock()
	s.curSeq = seq
	s.mu.Unlock()
}

// offset returns the time between the start of segment from and the start
// of segment to, using every duration seen so far.
func (s *playlistState) offset(from, to int64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d time.Duration
	switch {
	case to > from:
		for seq := from; seq < to; seq++ {
			d += s.durations[seq]
		}
	case to < from:
		for seq := to; seq < from; seq++ {
			d -= s.durations[seq]
		}
	}
	return d
}

// total returns the summed duration of the window.
func (s *playlistState) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d time.Duration
	for _, seg := range s.segments {
		d += seg.duration
	}
	return d
}

// CurSeqNo implements media.HLSPlaylist.
func (s *playlistState) CurSeqNo() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curSeq
}

// StartSeqNo implements media.HLSPlaylist.
func (s *playlistState) StartSeqNo() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startSeq
}

// SegmentDurations implements media.HLSPlaylist.
func (s *playlistState) SegmentDurations() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.segments))
	for i, seg := range s.segments {
		out[i] = seg.duration.Microseconds()
	}
	return out
}

// parseMedia parses a media playlist and rejects what the transport stream
// path cannot read.
func parseMedia(body []byte) (*playlist.Media, error) {
	pl, err := playlist.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing playlist: %w", media.ErrInvalidData, err)
	}
	m, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("%w: expected media playlist, got multivariant", ErrUnsupportedPlaylist)
	}
	if err := checkMedia(m); err != nil {
		return nil, err
	}
	return m, nil
}

func checkMedia(m *playlist.Media) error {
	if m.Map != nil {
		return fmt.Errorf("%w: fragmented MP4 segments", ErrUnsupportedPlaylist)
	}
	for _, seg := range m.Segments {
		if seg != nil && seg.Key != nil && seg.Key.Method != playlist.MediaKeyMethodNone {
			return fmt.Errorf("%w: encrypted segments", ErrUnsupportedPlaylist)
		}
	}
	return nil
}

// selectVariant returns the variant at index, or the highest bandwidth one
// when index is negative.
func selectVariant(mv *playlist.Multivariant, index int) (*playlist.MultivariantVariant, error) {
	if len(mv.Variants) == 0 {
		return nil, ErrNoVariants
	}
	if index >= 0 {
		if index >= len(mv.Variants) {
			return nil, fmt.Errorf("variant %d out of range (%d variants)", index, len(mv.Variants))
		}
		return mv.Variants[index], nil
	}
	best := mv.Variants[0]
	for _, v := range mv.Variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best, nil
}

// resolveURL resolves ref against the playlist URL base.
func resolveURL(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			return base[:idx+1] + ref
		}
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
