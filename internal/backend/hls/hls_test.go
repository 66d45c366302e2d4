package hls

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/avdemux/internal/backend/ioopen"
	"github.com/jmylchreest/avdemux/internal/httpclient"
	"github.com/jmylchreest/avdemux/internal/media"
	"github.com/jmylchreest/avdemux/internal/testutil"
)

const (
	segFrames = 25
	basePTS   = int64(90000)
)

type server struct {
	*httptest.Server
	mu    sync.Mutex
	files map[string]string
	hits  map[string]int
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{files: map[string]string{}, hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		body, ok := s.files[r.URL.Path]
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) set(path, body string) {
	s.mu.Lock()
	s.files[path] = body
	s.mu.Unlock()
}

func (s *server) addSegments(t *testing.T, dir string, count int) {
	t.Helper()
	segs, err := testutil.NewSampleMediaGeneratorWithSeed(7).Segments(count, segFrames, basePTS, true)
	require.NoError(t, err)
	for i, seg := range segs {
		s.set(dir+"/seg"+strconv.Itoa(i)+".ts", string(seg))
	}
}

func openURL(t *testing.T, rawURL string, opts media.Options) *Context {
	t.Helper()
	hc := httpclient.DefaultConfig()
	hc.RetryAttempts = 0
	ioOpen := ioopen.New(ioopen.Config{HTTP: httpclient.New(hc)}).Func()

	b := New(Config{RefreshMin: 10 * time.Millisecond})
	mc, err := b.Open(context.Background(), rawURL, &media.OpenOptions{Options: opts, IOOpen: ioOpen})
	require.NoError(t, err)
	t.Cleanup(func() { mc.Close() })
	return mc.(*Context)
}

func readAll(t *testing.T, c *Context) []*media.Packet {
	t.Helper()
	var out []*media.Packet
	for {
		pkt := &media.Packet{}
		err := c.ReadPacket(pkt)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, pkt)
	}
}

func countVideo(pkts []*media.Packet) int {
	n := 0
	for _, p := range pkts {
		if p.StreamIndex == 0 {
			n++
		}
	}
	return n
}

func TestBackend_Probe(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, media.ProbeScoreMax, b.Probe(media.ProbeData{Buf: []byte(testutil.MediaPlaylist(0, 2, time.Second, true))}))
	assert.Equal(t, media.ProbeScoreMax, b.Probe(media.ProbeData{Buf: []byte(testutil.MultivariantPlaylist(testutil.Variant{Bandwidth: 1, URI: "a.m3u8"}))}))
	assert.Equal(t, media.ProbeScoreExtension, b.Probe(media.ProbeData{URL: "http://host/live/index.m3u8?token=abc"}))
	assert.Zero(t, b.Probe(media.ProbeData{URL: "http://host/a.ts", Buf: []byte("#EXTM3U\n#EXTINF:-1,Channel\n")}))
	assert.Equal(t, Name, b.Name())
}

func TestContext_VOD(t *testing.T) {
	s := newServer(t)
	s.addSegments(t, "/vod", 3)
	s.set("/vod/index.m3u8", testutil.MediaPlaylist(0, 3, time.Second, true))

	c := openURL(t, s.URL+"/vod/index.m3u8", nil)
	require.NoError(t, c.FindStreamInfo())

	require.Len(t, c.Streams(), 2)
	assert.Equal(t, "h264", c.Streams()[0].Codec)
	assert.Nil(t, c.Streams()[0].HLSPlaylist)
	assert.Nil(t, c.HLS())

	f := c.Format()
	assert.Equal(t, "hls", f.Name)
	assert.Equal(t, 3*time.Second.Microseconds(), f.Duration)
	assert.Equal(t, media.Rescale(basePTS, media.TimeBaseMPEG, media.TimeBaseMicros), f.StartTime)

	pkts := readAll(t, c)
	assert.Equal(t, 3*segFrames, countVideo(pkts))
	assert.ErrorIs(t, c.SeekIO(0), media.ErrNotSeekable)
}

func TestContext_Seek(t *testing.T) {
	s := newServer(t)
	s.addSegments(t, "/vod", 4)
	s.set("/vod/index.m3u8", testutil.MediaPlaylist(0, 4, time.Second, true))

	c := openURL(t, s.URL+"/vod/index.m3u8", nil)
	require.NoError(t, c.FindStreamInfo())
	first := c.FirstTimestamp()

	segTicks := int64(segFrames) * testutil.FrameTicks
	tests := []struct {
		name string
		req  media.SeekRequest
		want int64
	}{
		{"backward", media.SeekBackwardTo(-1, first+2500*1000, 0), basePTS + 2*segTicks},
		{"forward", media.SeekForwardTo(-1, first+1500*1000, 0), basePTS + 2*segTicks},
		{"start", media.SeekBackwardTo(-1, first, 0), basePTS},
		{"stream timebase", media.SeekBackwardTo(0, basePTS+3*segTicks, 0), basePTS + 3*segTicks},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, c.Seek(tt.req))
			for {
				pkt := &media.Packet{}
				require.NoError(t, c.ReadPacket(pkt))
				if pkt.StreamIndex == 0 {
					assert.Equal(t, tt.want, pkt.PTS)
					assert.True(t, pkt.IsKey())
					break
				}
			}
		})
	}

	assert.ErrorIs(t, c.Seek(media.SeekForwardTo(-1, first+10*1000*1000, 0)), media.ErrSeekFailed)
}

func TestContext_Multivariant(t *testing.T) {
	s := newServer(t)
	s.addSegments(t, "/low", 1)
	s.addSegments(t, "/high", 1)
	s.set("/low/index.m3u8", testutil.MediaPlaylist(0, 1, time.Second, true))
	s.set("/high/index.m3u8", testutil.MediaPlaylist(0, 1, time.Second, true))
	s.set("/master.m3u8", testutil.MultivariantPlaylist(
		testutil.Variant{Bandwidth: 800000, URI: "low/index.m3u8"},
		testutil.Variant{Bandwidth: 5000000, URI: "high/index.m3u8"},
	))

	c := openURL(t, s.URL+"/master.m3u8", nil)
	assert.Equal(t, int64(5000000), c.Format().BitRate)
	assert.Equal(t, "5000000", c.Streams()[0].Metadata["variant_bitrate"])
	readAll(t, c)
	s.mu.Lock()
	assert.Equal(t, 1, s.hits["/high/seg0.ts"])
	assert.Zero(t, s.hits["/low/seg0.ts"])
	s.mu.Unlock()

	opts := media.Options{"variant": "0", "user_agent": "tester"}
	c = openURL(t, s.URL+"/master.m3u8", opts)
	assert.Equal(t, int64(800000), c.Format().BitRate)
	assert.Empty(t, opts.Keys())
}

func TestContext_Live(t *testing.T) {
	s := newServer(t)
	s.addSegments(t, "/live", 5)
	s.set("/live/index.m3u8", testutil.MediaPlaylist(0, 3, time.Second, false))

	c := openURL(t, s.URL+"/live/index.m3u8", nil)
	require.NotNil(t, c.HLS())
	assert.Zero(t, c.Format().Duration)

	pl := c.Streams()[0].HLSPlaylist
	require.NotNil(t, pl)
	assert.Equal(t, int64(0), pl.StartSeqNo())
	assert.Len(t, pl.SegmentDurations(), 3)
	assert.Equal(t, time.Second.Microseconds(), pl.SegmentDurations()[0])

	// Live inputs refuse seeking until marked seekable.
	assert.ErrorIs(t, c.Seek(media.SeekBackwardTo(-1, 0, 0)), media.ErrNotSeekable)

	pkt := &media.Packet{}
	require.NoError(t, c.ReadPacket(pkt))
	s.set("/live/index.m3u8", testutil.MediaPlaylist(1, 4, time.Second, true))

	pkts := append([]*media.Packet{pkt}, readAll(t, c)...)
	assert.Equal(t, 5*segFrames, countVideo(pkts))
	assert.Equal(t, int64(4), pl.CurSeqNo())
	assert.Equal(t, int64(1), pl.StartSeqNo())
	assert.Equal(t, media.Rescale(basePTS, media.TimeBaseMPEG, media.TimeBaseMicros), c.HLS().FirstTimestamp())

	c.HLS().MarkSeekable()
	require.NoError(t, c.Seek(media.SeekBackwardTo(-1, c.FirstTimestamp()+2*time.Second.Microseconds(), 0)))
	require.NoError(t, c.ReadPacket(pkt))
}

func TestContext_LiveStartIndex(t *testing.T) {
	s := newServer(t)
	s.addSegments(t, "/live", 6)
	s.set("/live/index.m3u8", testutil.MediaPlaylist(0, 6, time.Second, false))

	c := openURL(t, s.URL+"/live/index.m3u8", nil)
	assert.Equal(t, int64(3), c.anchorSeq)

	c = openURL(t, s.URL+"/live/index.m3u8", media.Options{"live_start_index": "1"})
	assert.Equal(t, int64(1), c.anchorSeq)
}

func TestContext_Unsupported(t *testing.T) {
	s := newServer(t)
	s.set("/enc.m3u8", "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:0\n"+
		"#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n#EXTINF:1.000,\nseg0.ts\n#EXT-X-ENDLIST\n")
	s.set("/fmp4.m3u8", "#EXTM3U\n#EXT-X-VERSION:7\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:0\n"+
		"#EXT-X-MAP:URI=\"init.mp4\"\n#EXTINF:1.000,\nseg0.mp4\n#EXT-X-ENDLIST\n")

	hc := httpclient.DefaultConfig()
	hc.RetryAttempts = 0
	ioOpen := ioopen.New(ioopen.Config{HTTP: httpclient.New(hc)}).Func()
	b := New(Config{})
	for _, p := range []string{"/enc.m3u8", "/fmp4.m3u8"} {
		_, err := b.Open(context.Background(), s.URL+p, &media.OpenOptions{IOOpen: ioOpen})
		assert.ErrorIs(t, err, ErrUnsupportedPlaylist, p)
	}

	_, err := b.Open(context.Background(), s.URL+"/enc.m3u8", &media.OpenOptions{Options: media.Options{"variant": "x"}, IOOpen: ioOpen})
	assert.ErrorIs(t, err, media.ErrInvalidData)
}

func TestContinuity_Join(t *testing.T) {
	packet := func(pid uint16, counter byte, payload bool) []byte {
		p := make([]byte, tsPacketSize)
		p[0] = tsSyncByte
		p[1] = byte(pid >> 8)
		p[2] = byte(pid)
		p[3] = counter
		if payload {
			p[3] |= 0x10
		} else {
			p[3] |= 0x20
		}
		return p
	}
	counters := func(seg []byte) []byte {
		var out []byte
		for off := 0; off < len(seg); off += tsPacketSize {
			out = append(out, seg[off+3]&0x0F)
		}
		return out
	}
	join := func(pkts ...[]byte) []byte {
		var seg []byte
		for _, p := range pkts {
			seg = append(seg, p...)
		}
		return seg
	}

	cc := continuity{}

	first := join(packet(256, 0, true), packet(256, 1, true), packet(257, 0, true))
	cc.join(first)
	assert.Equal(t, []byte{0, 1, 0}, counters(first), "first segment is left alone")

	// Restarted counters follow on, gaps inside the segment are kept and
	// packets without payload are not renumbered.
	second := join(packet(256, 0, true), packet(256, 1, true), packet(256, 5, true), packet(257, 7, false), packet(257, 0, true), packet(tsNullPID, 3, true))
	cc.join(second)
	assert.Equal(t, []byte{2, 3, 7, 7, 1, 3}, counters(second))

	// Counters wrap at 16.
	cc[300] = 15
	third := join(packet(300, 4, true), packet(300, 5, true))
	cc.join(third)
	assert.Equal(t, []byte{0, 1}, counters(third))

	// Data that is not a transport stream is not touched.
	junk := []byte("not a transport stream, just some bytes that are long enough")
	orig := append([]byte(nil), junk...)
	cc.join(junk)
	assert.Equal(t, orig, junk)
}

func TestResolveURL(t *testing.T) {
	assert.Equal(t, "http://h/a/seg1.ts", resolveURL("http://h/a/index.m3u8", "seg1.ts"))
	assert.Equal(t, "http://h/seg1.ts", resolveURL("http://h/a/index.m3u8", "/seg1.ts"))
	assert.Equal(t, "https://cdn/x.ts", resolveURL("http://h/a/index.m3u8", "https://cdn/x.ts"))
}
