package statusapi

import (
	"time"

	"github.com/jmylchreest/avdemux/internal/demux"
	"github.com/jmylchreest/avdemux/internal/httpclient"
)

// Session is a point-in-time view of one demuxer.
type Session struct {
	ID            string        `json:"id" yaml:"id"`
	URL           string        `json:"url" yaml:"url"`
	Format        string        `json:"format" yaml:"format"`
	Status        string        `json:"status" yaml:"status"`
	Live          bool          `json:"live" yaml:"live"`
	Reverse       bool          `json:"reverse" yaml:"reverse"`
	Duration      time.Duration `json:"duration" yaml:"duration"`
	Position      time.Duration `json:"position" yaml:"position"`
	Buffered      time.Duration `json:"buffered" yaml:"buffered"`
	BytesRead     int64         `json:"bytes_read" yaml:"bytes_read"`
	PacketsQueued int           `json:"packets_queued" yaml:"packets_queued"`
	PacketsInUse  int64         `json:"packets_in_use" yaml:"packets_in_use"`
	Tracks        []TrackState  `json:"tracks" yaml:"tracks"`
	SubtitleSlot  int           `json:"subtitle_slot" yaml:"subtitle_slot"`
}

// TrackState describes one track of a session.
type TrackState struct {
	Index    int    `json:"index" yaml:"index"`
	Type     string `json:"type" yaml:"type"`
	Codec    string `json:"codec" yaml:"codec"`
	Language string `json:"language,omitempty" yaml:"language,omitempty"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Queued   int    `json:"queued" yaml:"queued"`
}

func ticks(t int64) time.Duration {
	return time.Duration(t * 100)
}

// Describe snapshots d.
func Describe(d *demux.Demuxer) Session {
	s := Session{
		ID:           d.ID(),
		URL:          httpclient.SanitizeURL(d.URL()),
		Format:       d.Name(),
		Status:       d.Status().String(),
		Live:         d.IsLive(),
		Reverse:      d.IsReversePlayback(),
		Duration:     ticks(d.Duration()),
		Position:     ticks(d.CurTime()),
		Buffered:     ticks(d.BufferedDuration()),
		BytesRead:    d.TotalBytes(),
		PacketsInUse: d.Pool().Live(),
		SubtitleSlot: d.SubtitleSlot(),
	}
	if q := d.CurPackets(); q != nil {
		s.PacketsQueued = q.Count()
	}
	for _, t := range d.Tracks() {
		ts := TrackState{
			Index:    t.Index,
			Type:     t.Type.String(),
			Codec:    t.Codec,
			Language: t.Language,
			Enabled:  t.Enabled(),
		}
		if q := d.PacketsFor(t); q != nil {
			ts.Queued = q.Count()
		}
		s.Tracks = append(s.Tracks, ts)
	}
	return s
}
