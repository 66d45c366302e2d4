package demux

import (
	"log/slog"
	"slices"

	"github.com/jmylchreest/avdemux/internal/media"
)

// IsProgramEnabled reports whether a program containing t is not discarded.
func (d *Demuxer) IsProgramEnabled(t *Track) bool {
	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()
	return d.programEnabledLocked(t)
}

func (d *Demuxer) programEnabledLocked(t *Track) bool {
	for _, p := range d.programs {
		if p.Enabled() && p.contains(t) {
			return true
		}
	}
	return false
}

// enableProgram undiscards the first program containing t. The caller holds
// lockFmtCtx and lockStreams.
func (d *Demuxer) enableProgram(t *Track) {
	if d.programEnabledLocked(t) {
		d.logger.Debug("program already enabled", slog.Int("stream", t.Index))
		return
	}
	for _, p := range d.programs {
		if p.contains(t) {
			d.logger.Debug("enabling program", slog.Int("stream", t.Index), slog.Int("program", p.Index))
			d.fmtCtx.SetProgramDiscard(p.Index, false)
			p.enabled.Store(true)
			return
		}
	}
}

// disableProgram discards every enabled program containing t unless another
// of its tracks is still delivered. The caller holds lockFmtCtx and lockStreams.
func (d *Demuxer) disableProgram(t *Track) {
	for _, p := range d.programs {
		if !p.Enabled() || !p.contains(t) {
			continue
		}
		needed := slices.ContainsFunc(p.Tracks, func(o *Track) bool {
			return o != t && o.Enabled()
		})
		if needed {
			d.logger.Debug("program still needed", slog.Int("stream", t.Index), slog.Int("program", p.Index))
			continue
		}
		d.logger.Debug("disabling program", slog.Int("stream", t.Index), slog.Int("program", p.Index))
		d.fmtCtx.SetProgramDiscard(p.Index, true)
		p.enabled.Store(false)
	}
}

// EnableProgram undiscards the program containing t.
func (d *Demuxer) EnableProgram(t *Track) {
	d.lockFmtCtx.Lock()
	defer d.lockFmtCtx.Unlock()
	if d.disposed.Load() || d.fmtCtx == nil || t == nil {
		return
	}
	d.lockStreams.Lock()
	d.enableProgram(t)
	d.lockStreams.Unlock()
}

// DisableProgram discards the programs containing t that no other enabled
// track needs.
func (d *Demuxer) DisableProgram(t *Track) {
	d.lockFmtCtx.Lock()
	defer d.lockFmtCtx.Unlock()
	if d.disposed.Load() || d.fmtCtx == nil || t == nil {
		return
	}
	d.lockStreams.Lock()
	d.disableProgram(t)
	d.lockStreams.Unlock()
}

// EnableStream starts delivering t. Audio and video tracks become the
// selected track of their type; subtitle tracks go into the current
// subtitle slot. Enabling an already enabled subtitle track only assigns it
// to the current slot.
func (d *Demuxer) EnableStream(t *Track) {
	d.lockFmtCtx.Lock()
	defer d.lockFmtCtx.Unlock()
	d.enableStream(t)
}

// DisableStream stops delivering t and clears its queue. A subtitle track
// selected in both slots stays enabled; only the current slot is released.
func (d *Demuxer) DisableStream(t *Track) {
	d.lockFmtCtx.Lock()
	defer d.lockFmtCtx.Unlock()
	d.disableStream(t)
}

// SwitchStream replaces the selected track of t's type with t.
func (d *Demuxer) SwitchStream(t *Track) {
	if t == nil {
		return
	}

	d.lockFmtCtx.Lock()
	defer d.lockFmtCtx.Unlock()

	d.lockStreams.RLock()
	var old *Track
	switch t.Type {
	case media.TypeAudio:
		old = d.audioTrack
	case media.TypeVideo:
		old = d.videoTrack
	case media.TypeSubtitle:
		old = d.subtitleSlots[d.SubtitleSlot()]
	default:
		old = d.dataTrack
	}
	d.lockStreams.RUnlock()

	if old == t {
		return
	}
	d.disableStream(old)
	d.enableStream(t)
}

// enableStream is EnableStream with lockFmtCtx held.
func (d *Demuxer) enableStream(t *Track) {
	if d.disposed.Load() || d.fmtCtx == nil || t == nil {
		return
	}

	slot := d.SubtitleSlot()

	d.lockStreams.Lock()
	if slices.Contains(d.enabled, t) {
		if t.Type == media.TypeSubtitle {
			d.subtitleSlots[slot] = t
			d.updateCurPacketsLocked()
		}
		d.lockStreams.Unlock()
		return
	}

	d.enabled = append(d.enabled, t)
	d.fmtCtx.SetStreamDiscard(t.Index, false)
	t.enabled.Store(true)
	d.enableProgram(t)

	var (
		adoptHLS bool
		playlist media.HLSPlaylist
	)
	switch t.Type {
	case media.TypeAudio:
		d.audioTrack = t
		if d.videoTrack == nil {
			adoptHLS, playlist = true, t.HLSPlaylist
		}
	case media.TypeVideo:
		d.videoTrack = t
		d.videoPackets.SetFrameDuration(t.FrameDuration)
		adoptHLS, playlist = true, t.HLSPlaylist
	case media.TypeSubtitle:
		d.subtitleSlots[slot] = t
	case media.TypeData:
		d.dataTrack = t
	}
	d.updateCurPacketsLocked()
	d.lockStreams.Unlock()

	if adoptHLS {
		d.adoptHLSPlaylist(playlist)
	}
	d.logger.Info("stream enabled", slog.String("kind", t.Type.String()), slog.Int("stream", t.Index))
}

// disableStream is DisableStream with lockFmtCtx held.
func (d *Demuxer) disableStream(t *Track) {
	if d.disposed.Load() || d.fmtCtx == nil || t == nil {
		return
	}

	slot := d.SubtitleSlot()

	d.lockStreams.Lock()
	if !slices.Contains(d.enabled, t) {
		d.lockStreams.Unlock()
		return
	}

	if t.Type == media.TypeSubtitle && d.sharedSubtitleLocked() {
		d.subtitleSlots[slot] = nil
		d.updateCurPacketsLocked()
		d.lockStreams.Unlock()
		d.subtitlePackets[slot].Clear()
		return
	}

	d.fmtCtx.SetStreamDiscard(t.Index, true)
	d.enabled = slices.DeleteFunc(d.enabled, func(o *Track) bool { return o == t })
	t.enabled.Store(false)
	d.disableProgram(t)

	var (
		adoptHLS bool
		playlist media.HLSPlaylist
		clear    *PacketQueue
	)
	switch t.Type {
	case media.TypeAudio:
		d.audioTrack = nil
		if d.videoTrack != nil {
			adoptHLS, playlist = true, d.videoTrack.HLSPlaylist
		}
		clear = d.audioPackets
	case media.TypeVideo:
		d.videoTrack = nil
		if d.audioTrack != nil {
			adoptHLS, playlist = true, d.audioTrack.HLSPlaylist
		}
		clear = d.videoPackets
	case media.TypeSubtitle:
		d.subtitleSlots[slot] = nil
		clear = d.subtitlePackets[slot]
	case media.TypeData:
		d.dataTrack = nil
		clear = d.dataPackets
	}
	d.updateCurPacketsLocked()
	d.lockStreams.Unlock()

	if clear != nil {
		clear.Clear()
	}
	if adoptHLS {
		d.adoptHLSPlaylist(playlist)
	}
	d.logger.Info("stream disabled", slog.String("kind", t.Type.String()), slog.Int("stream", t.Index))
}

// sharedSubtitleLocked reports whether the first two subtitle slots hold the
// same track.
func (d *Demuxer) sharedSubtitleLocked() bool {
	return len(d.subtitleSlots) > 1 && d.subtitleSlots[0] != nil && d.subtitleSlots[0] == d.subtitleSlots[1]
}

// updateCurPacketsLocked selects the queue that drives CurTime: video, then
// audio, then the first subtitle slot, then data. The caller holds lockStreams.
func (d *Demuxer) updateCurPacketsLocked() {
	if !d.useAVS {
		return
	}
	switch {
	case d.videoTrack != nil:
		d.curPackets.Store(d.videoPackets)
	case d.audioTrack != nil:
		d.curPackets.Store(d.audioPackets)
	case len(d.subtitleSlots) > 0 && d.subtitleSlots[0] != nil:
		d.curPackets.Store(d.subtitlePackets[0])
	default:
		d.curPackets.Store(d.dataPackets)
	}
}

// adoptHLSPlaylist makes pl the live timing source, or clears it.
func (d *Demuxer) adoptHLSPlaylist(pl media.HLSPlaylist) {
	d.setHLSPlaylist(pl)
	if pl != nil {
		d.UpdateHLSTime()
	}
}
