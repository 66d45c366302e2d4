// Package httpclient fetches media over HTTP: playlists, segments and
// progressive inputs. Requests are retried with exponential backoff and
// compressed responses (gzip, deflate, brotli) are decoded transparently.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrMaxRetries = errors.New("max retries exceeded")
	ErrTooLarge   = errors.New("response body too large")
)

// Default configuration values.
const (
	DefaultTimeout              = 30 * time.Second
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = time.Second
	DefaultRetryMaxDelay        = 10 * time.Second
	DefaultBackoffMultiplier    = 2.0
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
	DefaultUserAgentHeader      = "avdemux"
)

// HTTP header constants.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"
	HeaderReferer         = "Referer"
	HeaderCookie          = "Cookie"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// StatusError is returned for a non-2xx response that is not retried.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.URL)
}

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout bounds connecting and reading the response headers. Bodies of
	// live inputs are read for as long as the caller wants.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration

	// BackoffMultiplier grows the delay after every retry.
	BackoffMultiplier float64

	// UserAgent is sent unless the request sets its own.
	UserAgent string

	Logger *slog.Logger

	// EnableDecompression enables automatic response decompression.
	EnableDecompression bool

	// BaseClient is the underlying http.Client. If nil, one is created.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		UserAgent:           DefaultUserAgentHeader,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// Client is a retrying HTTP client for media resources.
type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}

	baseClient := cfg.BaseClient
	if baseClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.Timeout
		// Decompression is handled here so brotli is covered too.
		transport.DisableCompression = true
		baseClient = &http.Client{Transport: transport}
	}

	return &Client{
		config: cfg,
		client: baseClient,
		logger: cfg.Logger.With(slog.String("component", "httpclient")),
	}
}

// NewWithDefaults creates a client with the default configuration.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// Do executes req, retrying transport errors and retryable status codes.
// A Retry-After header on a retryable response replaces the backoff delay
// when it is shorter than RetryMaxDelay. Other non-2xx responses return a
// *StatusError.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Header.Get(HeaderUserAgent) == "" && c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)
	}

	target := obfuscateURL(req.URL)
	backoff := c.config.RetryDelay
	var lastErr error

	for attempt := 0; ; attempt++ {
		resp, retryAfter, err := c.attempt(ctx, req, target)
		if err == nil {
			return resp, nil
		}
		if !isRetryable(err) || ctx.Err() != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		lastErr = err
		if attempt >= c.config.RetryAttempts {
			break
		}

		wait := backoff
		if retryAfter > 0 && retryAfter <= c.config.RetryMaxDelay {
			wait = retryAfter
		}
		c.logger.Debug("retrying fetch",
			slog.String("url", target),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", wait),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff = min(time.Duration(float64(backoff)*c.config.BackoffMultiplier), c.config.RetryMaxDelay)
	}

	return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

// retryableError marks a failure worth another attempt.
type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

// attempt performs one request. Failures that may succeed on retry are
// wrapped in retryableError, together with any Retry-After delay.
func (c *Client) attempt(ctx context.Context, req *http.Request, target string) (*http.Response, time.Duration, error) {
	start := time.Now()
	resp, err := c.client.Do(req.Clone(ctx))
	if err != nil {
		c.logger.Warn("fetch failed",
			slog.String("url", target),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return nil, 0, retryableError{err}
	}

	code := resp.StatusCode
	switch {
	case isRetryableStatus(code):
		resp.Body.Close()
		c.logger.Warn("fetch got retryable status", slog.String("url", target), slog.Int("status", code))
		return nil, retryAfter(resp.Header.Get("Retry-After")), retryableError{&StatusError{Code: code, URL: target}}
	case code < 200 || code > 299:
		resp.Body.Close()
		return nil, 0, &StatusError{Code: code, URL: target}
	}

	c.logger.Debug("fetched",
		slog.String("url", target),
		slog.Int("status", code),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int64("content_length", resp.ContentLength),
	)
	if c.config.EnableDecompression {
		resp.Body = c.decodeBody(resp)
	}
	return resp, 0, nil
}

// retryAfter parses a Retry-After value in seconds. HTTP dates are ignored.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Get performs a GET request with the given extra headers.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.Do(ctx, req)
}

// Open returns the body of rawURL for streaming reads.
func (c *Client) Open(ctx context.Context, rawURL string, header http.Header) (io.ReadCloser, error) {
	resp, err := c.Get(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Fetch reads the whole body of rawURL. A positive limit fails bodies larger
// than limit bytes with ErrTooLarge.
func (c *Client) Fetch(ctx context.Context, rawURL string, header http.Header, limit int64) ([]byte, error) {
	resp, err := c.Get(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if limit > 0 {
		r = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// HeadersFromOptions builds request headers from format options: "headers"
// holds CRLF or LF separated "Key: Value" lines, "user_agent", "referer" and
// "cookies" set the matching header.
func HeadersFromOptions(opts map[string]string) http.Header {
	h := http.Header{}
	for _, line := range strings.FieldsFunc(opts["headers"], func(r rune) bool { return r == '\n' || r == '\r' }) {
		k, v, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		h.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if v := opts["user_agent"]; v != "" {
		h.Set(HeaderUserAgent, v)
	}
	if v := opts["referer"]; v != "" {
		h.Set(HeaderReferer, v)
	}
	if v := opts["cookies"]; v != "" {
		h.Set(HeaderCookie, strings.TrimSpace(strings.ReplaceAll(v, "\n", "; ")))
	}
	return h
}

// decoders wrap a response body for each supported Content-Encoding.
var decoders = map[string]func(io.Reader) (io.Reader, error){
	EncodingGzip: func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
	EncodingDeflate: func(r io.Reader) (io.Reader, error) {
		return flate.NewReader(r), nil
	},
	EncodingBrotli: func(r io.Reader) (io.Reader, error) {
		return brotli.NewReader(r), nil
	},
}

// decodeBody returns the decoded body of resp, or the raw body when the
// encoding is unknown or its header is corrupt.
func (c *Client) decodeBody(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get(HeaderContentEncoding)))
	if encoding == "" || encoding == "identity" {
		return resp.Body
	}
	newDecoder, ok := decoders[encoding]
	if !ok {
		c.logger.Debug("unsupported content encoding", slog.String("encoding", encoding))
		return resp.Body
	}
	r, err := newDecoder(resp.Body)
	if err != nil {
		c.logger.Warn("undecodable body, reading it raw",
			slog.String("encoding", encoding),
			slog.String("error", err.Error()),
		)
		return resp.Body
	}
	resp.Header.Del(HeaderContentEncoding)
	resp.ContentLength = -1
	return &decodedBody{Reader: r, body: resp.Body}
}

type decodedBody struct {
	io.Reader
	body io.Closer
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		c.Close()
	}
	return d.body.Close()
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

var sensitiveParams = []string{
	"password", "passwd", "pass", "pwd",
	"token", "api_key", "apikey", "key",
	"secret", "auth", "authorization",
	"passphrase", "signature", "sig",
}

// obfuscateURL masks credentials in the user info and the query.
func obfuscateURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	sanitized := *u
	if sanitized.User != nil {
		sanitized.User = url.User("redacted")
	}
	query := sanitized.Query()
	changed := false
	for _, param := range sensitiveParams {
		if query.Has(param) {
			query.Set(param, "***")
			changed = true
		}
	}
	if changed {
		sanitized.RawQuery = query.Encode()
	}
	return sanitized.String()
}

// SanitizeURL masks credentials in rawURL for display. Strings that do not
// parse as URLs are returned unchanged.
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return rawURL
	}
	return obfuscateURL(u)
}
