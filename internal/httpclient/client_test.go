package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func TestNew(t *testing.T) {
	t.Run("with default config", func(t *testing.T) {
		client := NewWithDefaults()
		assert.NotNil(t, client.client)
		assert.NotNil(t, client.logger)
		assert.Equal(t, DefaultRetryAttempts, client.config.RetryAttempts)
	})

	t.Run("with custom base client", func(t *testing.T) {
		baseClient := &http.Client{Timeout: 5 * time.Second}
		cfg := DefaultConfig()
		cfg.BaseClient = baseClient
		assert.Same(t, baseClient, New(cfg).client)
	})

	t.Run("clamps backoff multiplier", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BackoffMultiplier = 0
		assert.InDelta(t, 1.0, New(cfg).config.BackoffMultiplier, 0)
	})
}

func TestClient_Get(t *testing.T) {
	t.Run("sends headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "avdemux-test", r.Header.Get(HeaderUserAgent))
			assert.Equal(t, "1", r.Header.Get("X-Test"))
			assert.Equal(t, DefaultAcceptEncodingHeader, r.Header.Get(HeaderAcceptEncoding))
			w.Write([]byte("ok"))
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.UserAgent = "avdemux-test"
		resp, err := New(cfg).Get(context.Background(), server.URL, http.Header{"X-Test": {"1"}})
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "ok", string(body))
	})

	t.Run("request header wins over default user agent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "custom", r.Header.Get(HeaderUserAgent))
		}))
		defer server.Close()

		resp, err := New(fastConfig()).Get(context.Background(), server.URL, http.Header{HeaderUserAgent: {"custom"}})
		require.NoError(t, err)
		resp.Body.Close()
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := NewWithDefaults().Get(context.Background(), "://bad", nil)
		assert.Error(t, err)
	})
}

func TestClient_Retries(t *testing.T) {
	t.Run("retries retryable status", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("ok"))
		}))
		defer server.Close()

		data, err := New(fastConfig()).Fetch(context.Background(), server.URL, nil, 0)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(data))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.RetryAttempts = 2
		_, err := New(cfg).Get(context.Background(), server.URL, nil)
		require.ErrorIs(t, err, ErrMaxRetries)

		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadGateway, se.Code)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := New(fastConfig()).Open(context.Background(), server.URL, nil)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusNotFound, se.Code)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.RetryDelay = time.Hour
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)

		_, err := New(cfg).Get(ctx, server.URL, nil)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestClient_RetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("segment"))
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.RetryDelay = time.Hour
	cfg.RetryMaxDelay = 2 * time.Second

	start := time.Now()
	data, err := New(cfg).Fetch(context.Background(), server.URL, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "segment", string(data))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	assert.Equal(t, 5*time.Second, retryAfter(" 5 "))
	assert.Zero(t, retryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
	assert.Zero(t, retryAfter("-1"))
}

func TestClient_Decompression(t *testing.T) {
	payload := bytes.Repeat([]byte("#EXTINF:2.000,\nseg.ts\n"), 50)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write(payload)
	gw.Close()

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write(payload)
	bw.Close()

	tests := []struct {
		name     string
		encoding string
		body     []byte
	}{
		{"identity", "", payload},
		{"gzip", EncodingGzip, gz.Bytes()},
		{"brotli", EncodingBrotli, br.Bytes()},
		{"unknown encoding passes through", "zstd", payload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.encoding != "" {
					w.Header().Set(HeaderContentEncoding, tt.encoding)
				}
				w.Write(tt.body)
			}))
			defer server.Close()

			data, err := New(fastConfig()).Fetch(context.Background(), server.URL, nil, 0)
			require.NoError(t, err)
			assert.Equal(t, payload, data)
		})
	}
}

func TestClient_FetchLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer server.Close()

	client := New(fastConfig())

	_, err := client.Fetch(context.Background(), server.URL, nil, 99)
	assert.ErrorIs(t, err, ErrTooLarge)

	data, err := client.Fetch(context.Background(), server.URL, nil, 100)
	require.NoError(t, err)
	assert.Len(t, data, 100)
}

func TestHeadersFromOptions(t *testing.T) {
	h := HeadersFromOptions(map[string]string{
		"headers":    "X-One: 1\r\nX-Two:2\nbroken\n: empty\n",
		"user_agent": "agent/1.0",
		"referer":    "http://example.com/",
		"cookies":    "a=1\nb=2",
	})

	assert.Equal(t, "1", h.Get("X-One"))
	assert.Equal(t, "2", h.Get("X-Two"))
	assert.Len(t, h, 5)
	assert.Equal(t, "agent/1.0", h.Get(HeaderUserAgent))
	assert.Equal(t, "http://example.com/", h.Get(HeaderReferer))
	assert.Equal(t, "a=1; b=2", h.Get(HeaderCookie))

	assert.Empty(t, HeadersFromOptions(nil))
}

func TestObfuscateURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no secrets", "http://h/live.m3u8?variant=1", "http://h/live.m3u8?variant=1"},
		{"token", "http://h/live.m3u8?token=abc&v=1", "http://h/live.m3u8?token=%2A%2A%2A&v=1"},
		{"user info", "http://user:pw@h/live.m3u8", "http://redacted@h/live.m3u8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, obfuscateURL(u))
		})
	}

	assert.Empty(t, obfuscateURL(nil))
	assert.Equal(t, "http://redacted@h/a.ts", SanitizeURL("http://u:p@h/a.ts"))
	assert.Equal(t, "/media/a.ts", SanitizeURL("/media/a.ts"))
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Code: 404, URL: "http://h/x"}
	assert.Equal(t, "http 404: http://h/x", err.Error())
}
