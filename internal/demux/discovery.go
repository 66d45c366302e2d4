package demux

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/avdemux/internal/media"
)

var supportedOutputExtensions = []string{"mp4", "avi", "flv", "flac", "mpeg", "mpegts", "mkv", "ogg", "ts"}

// fillInfo populates the format, track, program and chapter model from the
// opened context and discards every stream. It reports whether a usable
// video track was found. The caller holds lockFmtCtx.
func (d *Demuxer) fillInfo() bool {
	f := d.fmtCtx.Format()
	streams := d.fmtCtx.Streams()

	startTime := int64(0)
	if f.StartTime != media.NoTimestamp {
		startTime = media.MicrosToTicks(f.StartTime)
	}
	startRealTime := int64(0)
	if f.StartTimeRealtime != media.NoTimestamp {
		startRealTime = media.MicrosToTicks(f.StartTimeRealtime)
	}
	duration := int64(0)
	if f.Duration > 0 {
		duration = media.MicrosToTicks(f.Duration)
	}

	var hlsCtx media.HLSContext
	if d.cfg.HLSLiveSeek && duration == 0 {
		if hlsCtx = d.fmtCtx.HLS(); hlsCtx != nil {
			startTime = 0
		}
	}

	// External subtitle files start at their first cue; keep them on the main timeline.
	if len(streams) == 1 && streams[0].Type == media.TypeSubtitle {
		startTime = 0
	}

	d.lockTime.Lock()
	d.startTime = startTime
	d.startRealTime = startRealTime
	d.duration = duration
	d.hlsCtx = hlsCtx
	d.isLive = duration == 0 || hlsCtx != nil
	d.lockTime.Unlock()

	tbs := make([]media.Rational, len(streams))
	for i, si := range streams {
		if si.Index >= 0 && si.Index < len(tbs) {
			tbs[si.Index] = si.TimeBase
		} else {
			tbs[i] = si.TimeBase
		}
	}
	d.timebases.Store(&tbs)

	var chapters []Chapter
	for _, c := range d.fmtCtx.Chapters() {
		chapters = append(chapters, Chapter{
			Start: c.TimeBase.ToTicks(c.Start) - startTime,
			End:   c.TimeBase.ToTicks(c.End) - startTime,
			Title: media.MetadataValue(c.Metadata, "title"),
		})
	}

	var (
		hasVideo                     bool
		audioHasEng, subsHasEng      bool
		all, audio, video, subs, dat []*Track
	)
	for i, si := range streams {
		d.fmtCtx.SetStreamDiscard(si.Index, true)

		t := newTrack(si, f.StartTime)
		switch si.Type {
		case media.TypeAudio:
			audio = append(audio, t)
			audioHasEng = audioHasEng || t.IsEnglish()

		case media.TypeVideo:
			if si.Disposition.Has(media.DispositionAttachedPic) {
				d.logger.Info("excluding image stream", slog.Int("stream", i))
				continue
			}
			if si.PixelFormat == "" && d.cfg.AllowFindStreamInfo {
				d.logger.Info("excluding invalid video stream", slog.Int("stream", i))
				continue
			}
			video = append(video, t)
			hasVideo = hasVideo || !d.cfg.AllowFindStreamInfo || t.PixelFormat != ""

		case media.TypeSubtitle:
			subs = append(subs, t)
			subsHasEng = subsHasEng || t.IsEnglish()

		case media.TypeData:
			dat = append(dat, t)

		default:
			d.logger.Info("unknown stream type", slog.Int("stream", i), slog.String("codec", si.Codec))
			continue
		}
		all = append(all, t)
	}

	if !audioHasEng {
		for _, t := range audio {
			if t.Language == "" {
				t.Language = "eng"
			}
		}
	}
	if !subsHasEng && d.typ == media.TypeVideo {
		for _, t := range subs {
			if t.Language == "" {
				t.Language = "eng"
			}
		}
	}

	var programs []*Program
	for i, pi := range d.fmtCtx.Programs() {
		d.fmtCtx.SetProgramDiscard(i, true)
		p := &Program{
			Index:         i,
			ID:            pi.ID,
			ProgramNumber: pi.ProgramNumber,
			Name:          media.MetadataValue(pi.Metadata, "service_name"),
			Metadata:      pi.Metadata,
		}
		for _, idx := range pi.StreamIndices {
			for _, t := range all {
				if t.Index == idx {
					p.Tracks = append(p.Tracks, t)
				}
			}
		}
		programs = append(programs, p)
	}

	d.lockStreams.Lock()
	d.info = formatDetails{
		name:       f.Name,
		longName:   f.LongName,
		extensions: f.Extensions,
		metadata:   f.Metadata,
	}
	d.tracks = all
	d.byIndex = make(map[int]*Track, len(all))
	for _, t := range all {
		d.byIndex[t.Index] = t
	}
	d.audioTracks = audio
	d.videoTracks = video
	d.subtitleTracks = subs
	d.dataTracks = dat
	d.programs = programs
	d.chapters = chapters
	d.info.extension = validExtension(f.Name, f.Extensions, audio, video)
	d.lockStreams.Unlock()

	d.dump(f, chapters, startTime, duration)
	return hasVideo
}

// validExtension picks the output container extension closest to the input.
func validExtension(name, extensions string, audio, video []*Track) string {
	switch name {
	case "mpegts":
		return "ts"
	case "mpeg":
		return "mpeg"
	}

	def := "mp4"
	var hasPCM, isRaw bool
	for _, t := range audio {
		if strings.Contains(t.Codec, "pcm") {
			hasPCM = true
		}
	}
	for _, t := range video {
		if strings.Contains(t.Codec, "raw") {
			isRaw = true
		}
	}
	if isRaw {
		def = "avi"
	}
	if hasPCM {
		def = "mkv"
	}

	if extensions == "" {
		return def
	}
	for _, ext := range strings.Split(extensions, ",") {
		if slices.Contains(supportedOutputExtensions, ext) {
			if ext == "mp4" && isRaw {
				return "mov"
			}
			return ext
		}
	}
	return def
}

func (d *Demuxer) dump(f media.FormatInfo, chapters []Chapter, startTime, duration int64) {
	if !d.logger.Enabled(context.Background(), slog.LevelInfo) {
		return
	}

	d.lockStreams.RLock()
	defer d.lockStreams.RUnlock()

	d.logger.Info("format opened",
		slog.String("name", f.Name),
		slog.String("long_name", f.LongName),
		slog.String("extensions", f.Extensions),
		slog.Duration("start", ticksDuration(startTime)),
		slog.Duration("duration", ticksDuration(duration)),
		slog.Int("programs", len(d.programs)),
		slog.Int("chapters", len(chapters)),
	)

	groups := [][]*Track{d.videoTracks, d.audioTracks, d.subtitleTracks, d.dataTracks}
	for _, g := range groups {
		for _, t := range g {
			attrs := []any{
				slog.Int("index", t.Index),
				slog.String("type", t.Type.String()),
				slog.String("codec", t.Codec),
				slog.String("timebase", t.TimeBase.String()),
			}
			if t.Language != "" {
				attrs = append(attrs, slog.String("language", t.Language))
			}
			if t.Title != "" {
				attrs = append(attrs, slog.String("title", t.Title))
			}
			switch t.Type {
			case media.TypeVideo:
				attrs = append(attrs, slog.String("pix_fmt", t.PixelFormat), slog.Int("width", t.Width), slog.Int("height", t.Height), slog.Float64("fps", t.FPS))
			case media.TypeAudio:
				attrs = append(attrs, slog.Int("sample_rate", t.SampleRate), slog.Int("channels", t.Channels))
			}
			d.logger.Info("stream", attrs...)
		}
	}

	for _, p := range d.programs {
		d.logger.Debug("program", slog.Int("index", p.Index), slog.Int("number", p.ProgramNumber), slog.Int("streams", len(p.Tracks)))
	}
	for i, c := range chapters {
		d.logger.Debug("chapter", slog.Int("index", i+1), slog.Duration("start", ticksDuration(c.Start)), slog.Duration("end", ticksDuration(c.End)), slog.String("title", c.Title))
	}
	if f.BitRate > 0 {
		d.logger.Debug("bitrate", slog.String("rate", humanize.SI(float64(f.BitRate), "bit/s")))
	}
}
