// Package backend wires the built-in container backends and the default
// I/O opener from configuration.
package backend

import (
	"log/slog"

	"github.com/jmylchreest/avdemux/internal/backend/hls"
	"github.com/jmylchreest/avdemux/internal/backend/ioopen"
	"github.com/jmylchreest/avdemux/internal/backend/mpegts"
	"github.com/jmylchreest/avdemux/internal/backend/subtitle"
	"github.com/jmylchreest/avdemux/internal/backend/testsrc"
	"github.com/jmylchreest/avdemux/internal/config"
	"github.com/jmylchreest/avdemux/internal/httpclient"
	"github.com/jmylchreest/avdemux/internal/media"
	"github.com/jmylchreest/avdemux/internal/observability"
)

// Set is the configured registry together with the I/O opener the
// file based backends read through.
type Set struct {
	Registry *media.Registry
	Opener   *ioopen.Opener
}

// IOOpen returns the opener as a media.IOOpenFunc.
func (s *Set) IOOpen() media.IOOpenFunc {
	return s.Opener.Func()
}

// New builds every built-in backend from cfg.
func New(cfg config.BackendsConfig, subtitleMaxSize int64, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}

	hc := httpclient.DefaultConfig()
	if cfg.HTTP.Timeout > 0 {
		hc.Timeout = cfg.HTTP.Timeout
	}
	if cfg.HTTP.RetryAttempts >= 0 {
		hc.RetryAttempts = cfg.HTTP.RetryAttempts
	}
	if cfg.HTTP.RetryDelay > 0 {
		hc.RetryDelay = cfg.HTTP.RetryDelay
	}
	if cfg.HTTP.UserAgent != "" {
		hc.UserAgent = cfg.HTTP.UserAgent
	}
	hc.Logger = observability.WithComponent(logger, "httpclient")

	opener := ioopen.New(ioopen.Config{
		HTTP:                 httpclient.New(hc),
		SRTLatency:           cfg.SRT.Latency,
		SRTConnectionTimeout: cfg.SRT.ConnectionTimeout,
		Logger:               logger,
	})

	reg := media.NewRegistry(
		mpegts.New(mpegts.Config{IndexMaxSize: cfg.MPEGTS.IndexMaxSize.Bytes(), Logger: logger}),
		hls.New(hls.Config{RefreshMin: cfg.HLS.RefreshMin, Logger: logger}),
		subtitle.NewSubRip(subtitle.Config{MaxSize: subtitleMaxSize, Logger: logger}),
		subtitle.NewWebVTT(subtitle.Config{MaxSize: subtitleMaxSize, Logger: logger}),
		testsrc.New(),
	)

	return &Set{Registry: reg, Opener: opener}
}
