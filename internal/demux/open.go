package demux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/jmylchreest/avdemux/internal/media"
)

const (
	probeBufferSize = 2048

	extendedProbeSize       = 5000 * 1024 * 1024
	extendedAnalyzeDuration = 1000 * time.Second
)

// Open disposes any previous input and opens rawURL.
func (d *Demuxer) Open(rawURL string) error {
	return d.open(rawURL, nil)
}

// OpenReader disposes any previous input and opens r as a byte stream.
func (d *Demuxer) OpenReader(r io.Reader) error {
	return d.open("", r)
}

func (d *Demuxer) open(rawURL string, input io.Reader) (err error) {
	d.lockActions.Lock()
	defer d.lockActions.Unlock()

	d.disposeLocked()

	d.lockFmtCtx.Lock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUnknown, r)
		}
		if err != nil {
			d.disposeCore()
			d.setStatus(StatusFailed)
			d.logger.Error("open failed", slog.String("url", rawURL), slog.String("error", err.Error()))
		}
		d.lockFmtCtx.Unlock()
	}()

	d.lockStreams.Lock()
	d.url = rawURL
	d.lockStreams.Unlock()

	if rawURL == "" && input == nil {
		return fmt.Errorf("%w: empty input", ErrInvalidInput)
	}

	d.disposed.Store(false)
	d.setStatus(StatusOpening)
	d.interrupter.SetForceInterrupt(false)
	d.allowedErrors = d.cfg.MaxErrors

	return d.openLocked(rawURL, input)
}

func (d *Demuxer) openLocked(rawURL string, input io.Reader) error {
	var (
		backend media.Backend
		err     error
		target  inputURL
	)

	if d.cfg.ForceFormat != "" {
		if backend, err = d.cfg.Registry.Find(d.cfg.ForceFormat); err != nil {
			return fmt.Errorf("[find_input_format] %w", err)
		}
	}

	if input != nil {
		target = inputURL{}
	} else {
		target = parseInputURL(rawURL)
		if target.Format != "" {
			if backend, err = d.cfg.Registry.Find(target.Format); err != nil {
				return fmt.Errorf("[find_input_format] %w", err)
			}
		}
	}

	d.queryParams = d.underlyingQuery(target.URL)

	if d.typ == media.TypeSubtitle && input == nil {
		if path, ok := subtitleFilePath(target.URL); ok {
			data, enc, err := loadTextSubtitle(path, d.cfg.MaxSubtitlePreload)
			if err != nil {
				d.logger.Warn("could not load text subtitles to memory", slog.String("error", err.Error()))
			} else {
				d.logger.Debug("text subtitles loaded", slog.String("encoding", enc), slog.Int("bytes", len(data)))
				d.preload = preloadedSubtitle{bytes.NewReader(data)}
				input = d.preload
			}
		}
	}

	if backend == nil {
		pd := media.ProbeData{URL: target.URL}
		if input != nil {
			br := bufio.NewReaderSize(input, probeBufferSize)
			pd.Buf, _ = br.Peek(probeBufferSize)
			input = br
		}
		if backend, err = d.cfg.Registry.Probe(pd); err != nil {
			return fmt.Errorf("[open] %w", err)
		}
	}
	d.backend = backend

	opts := d.formatOptions()
	opts.Merge(target.Options)
	if d.cfg.FormatOptToUnderlying {
		d.formatOptCopy = opts.Clone()
	}

	openOpts := &media.OpenOptions{
		Options: opts,
		IOOpen:  d.cfg.IOOpen,
		Input:   input,
		Logger:  d.logger,
	}
	if d.cfg.AllowInterrupts {
		openOpts.Interrupt = d.interrupter
	}
	if d.cfg.FormatOptToUnderlying {
		openOpts.IOOpen = d.nestedIOOpen(d.cfg.IOOpen)
	}

	d.allowReadInterrupts = true
	d.interrupter.SetAllowReadInterrupts(true)
	d.interrupter.OpenRequest()

	var fmtCtx media.Context
	openFn := func() {
		fmtCtx, err = backend.Open(context.Background(), target.URL, openOpts)
	}
	if backend.Flags()&media.FlagDevice != 0 {
		openOnDedicatedThread(openFn)
	} else {
		openFn()
	}
	d.fmtCtx = fmtCtx

	if (errors.Is(err, media.ErrExit) && !d.interrupter.Timedout()) || d.Status() != StatusOpening || d.interrupter.ForceInterrupt() {
		return ErrCancelled
	}
	if err != nil {
		if d.interrupter.Timedout() {
			return fmt.Errorf("[open] %w", ErrTimedOut)
		}
		return fmt.Errorf("[open] %w", err)
	}

	for _, k := range opts.Keys() {
		d.logger.Debug("ignoring format option", slog.String("option", k))
	}

	if d.cfg.AllowFindStreamInfo {
		if backend.Name() == "mpegts" && needsExtendedAnalysis(d.fmtCtx.Streams()) {
			d.fmtCtx.SetProbe(extendedProbeSize, extendedAnalyzeDuration)
		}

		err = d.fmtCtx.FindStreamInfo()
		if errors.Is(err, media.ErrExit) || d.Status() != StatusOpening || d.interrupter.ForceInterrupt() {
			return ErrCancelled
		}
		if err != nil {
			return fmt.Errorf("[find_stream_info] %w", err)
		}
	}

	hasVideo := d.fillInfo()

	d.lockStreams.RLock()
	nAudio, nSubs := len(d.audioTracks), len(d.subtitleTracks)
	name := d.info.name
	d.lockStreams.RUnlock()

	switch {
	case d.typ == media.TypeVideo && !hasVideo && nAudio == 0:
		return fmt.Errorf("%w: no audio / video stream found", ErrNoStreams)
	case d.typ == media.TypeAudio && nAudio == 0:
		return fmt.Errorf("%w: no audio stream found", ErrNoStreams)
	case d.typ == media.TypeSubtitle && nSubs == 0:
		return fmt.Errorf("%w: no subtitles stream found", ErrNoStreams)
	}

	d.recv = d.pool.Get()
	d.setStatus(StatusStopped)
	d.allowReadInterrupts = d.cfg.AllowReadInterrupts && !slices.Contains(d.cfg.ExcludeInterruptFormats, name)
	d.interrupter.SetAllowReadInterrupts(d.allowReadInterrupts)
	d.interrupter.SetLive(d.IsLive())
	d.interrupter.Reset()

	d.logger.Info("opened", slog.String("url", d.URL()), slog.String("format", name))
	return nil
}

// formatOptions returns the options configured for the demuxer's type.
func (d *Demuxer) formatOptions() media.Options {
	var src map[string]string
	switch d.typ {
	case media.TypeVideo:
		src = d.cfg.FormatOpt
	case media.TypeAudio:
		src = d.cfg.AudioFormatOpt
	default:
		src = d.cfg.SubtitlesFormatOpt
	}
	opts := media.Options{}
	opts.Merge(src)
	return opts
}

// needsExtendedAnalysis reports whether a transport stream carries bitmap
// subtitles whose parameters only appear deep into the stream.
func needsExtendedAnalysis(streams []*media.StreamInfo) bool {
	for _, s := range streams {
		if s.Codec == "hdmv_pgs_subtitle" || s.Codec == "dvd_subtitle" {
			return true
		}
	}
	return false
}

// openOnDedicatedThread runs fn on a goroutine locked to its own OS thread.
// Capture devices bind their handles to the opening thread.
func openOnDedicatedThread(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		fn()
	}()
	<-done
}
