// Package ioopen opens the byte streams behind input URLs: local files,
// http(s) resources and srt:// caller connections.
package ioopen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	gosrt "github.com/datarhei/gosrt"

	"github.com/jmylchreest/avdemux/internal/httpclient"
	"github.com/jmylchreest/avdemux/internal/media"
)

// ErrUnsupportedScheme is returned for URLs no transport handles.
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

const (
	defaultSRTLatency           = 120 * time.Millisecond
	defaultSRTConnectionTimeout = 3 * time.Second
	interruptPoll               = 10 * time.Millisecond
)

// Config configures an Opener.
type Config struct {
	HTTP                 *httpclient.Client
	SRTLatency           time.Duration
	SRTConnectionTimeout time.Duration
	Logger               *slog.Logger
}

// Opener implements media.IOOpenFunc for the supported transports.
type Opener struct {
	http   *httpclient.Client
	srt    Config
	logger *slog.Logger
}

// New creates an Opener.
func New(cfg Config) *Opener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTP == nil {
		hc := httpclient.DefaultConfig()
		hc.Logger = cfg.Logger
		cfg.HTTP = httpclient.New(hc)
	}
	if cfg.SRTLatency <= 0 {
		cfg.SRTLatency = defaultSRTLatency
	}
	if cfg.SRTConnectionTimeout <= 0 {
		cfg.SRTConnectionTimeout = defaultSRTConnectionTimeout
	}
	return &Opener{
		http:   cfg.HTTP,
		srt:    cfg,
		logger: cfg.Logger.With(slog.String("component", "ioopen")),
	}
}

// Func returns o.Open as a media.IOOpenFunc.
func (o *Opener) Func() media.IOOpenFunc {
	return o.Open
}

// Open opens req.URL. Files are returned as *os.File and can be seeked;
// network streams are read ahead by a goroutine so blocked reads honour
// req.Interrupt without tearing the connection down.
func (o *Opener) Open(ctx context.Context, req media.IORequest) (io.ReadCloser, error) {
	scheme := Scheme(req.URL)
	switch scheme {
	case "", "file":
		return openFile(req.URL)
	case "http", "https":
		return o.openHTTP(ctx, req)
	case "srt":
		return o.openSRT(req)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}

// Scheme returns the lower case URL scheme, or "" for plain paths. Single
// letter schemes are treated as Windows drive letters.
func Scheme(rawURL string) string {
	i := strings.Index(rawURL, "://")
	if i <= 1 {
		return ""
	}
	return strings.ToLower(rawURL[:i])
}

// FilePath returns the local path of a file:// URL or plain path.
func FilePath(rawURL string) string {
	if Scheme(rawURL) != "file" {
		return rawURL
	}
	if u, err := url.Parse(rawURL); err == nil {
		return u.Path
	}
	return strings.TrimPrefix(rawURL, "file://")
}

func openFile(rawURL string) (io.ReadCloser, error) {
	f, err := os.Open(FilePath(rawURL))
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

func (o *Opener) openHTTP(ctx context.Context, req media.IORequest) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	stop := watchInterrupt(req.Interrupt, cancel)

	body, err := o.http.Open(reqCtx, req.URL, httpclient.HeadersFromOptions(req.Options))
	stop()
	if err != nil {
		cancel()
		if media.Interrupted(req.Interrupt) {
			return nil, media.ErrExit
		}
		return nil, err
	}

	return newAsyncReader(&cancelCloser{ReadCloser: body, cancel: cancel}, req.Interrupt), nil
}

func (o *Opener) openSRT(req media.IORequest) (io.ReadCloser, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing srt url: %w", err)
	}

	opts := media.Options{}
	for k, v := range u.Query() {
		if len(v) > 0 {
			opts[k] = v[0]
		}
	}
	opts.Merge(req.Options)

	cfg, err := o.srtConfig(opts)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("connecting srt",
		slog.String("addr", u.Host),
		slog.String("streamid", cfg.StreamId),
		slog.Duration("latency", cfg.Latency),
	)

	conn, err := gosrt.Dial("srt", u.Host, cfg)
	if err != nil {
		if media.Interrupted(req.Interrupt) {
			return nil, media.ErrExit
		}
		return nil, fmt.Errorf("connecting srt %s: %w", u.Host, err)
	}
	return newAsyncReader(conn, req.Interrupt), nil
}

// srtConfig builds a caller configuration from the "streamid", "passphrase",
// "pbkeylen", "latency" and "connect_timeout" options. Bare numbers are
// milliseconds.
func (o *Opener) srtConfig(opts media.Options) (gosrt.Config, error) {
	cfg := gosrt.DefaultConfig()
	cfg.TransmissionType = "live"
	cfg.Latency = o.srt.SRTLatency
	cfg.ConnectionTimeout = o.srt.SRTConnectionTimeout

	if v := opts["streamid"]; v != "" {
		cfg.StreamId = v
	}
	if v := opts["passphrase"]; v != "" {
		cfg.Passphrase = v
	}
	if v := opts["pbkeylen"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid srt pbkeylen %q: %w", v, err)
		}
		cfg.PBKeylen = n
	}
	if v := opts["latency"]; v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid srt latency %q: %w", v, err)
		}
		cfg.Latency = d
	}
	if v := opts["connect_timeout"]; v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid srt connect_timeout %q: %w", v, err)
		}
		cfg.ConnectionTimeout = d
	}
	return cfg, nil
}

func parseMillis(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// watchInterrupt calls cancel once intr fires. The returned function stops
// watching without cancelling.
func watchInterrupt(intr media.Interrupt, cancel context.CancelFunc) func() {
	if intr == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interruptPoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if intr.Interrupted() {
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

type cancelCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
