package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/avdemux/internal/media"
)

func openFixture(t *testing.T, input io.Reader, opts media.Options, intr media.Interrupt) *Context {
	t.Helper()

	b := New(Config{IndexMaxSize: 64 * 1024 * 1024})
	ctx, err := b.Open(context.Background(), "", &media.OpenOptions{
		Options:   opts,
		Input:     input,
		Interrupt: intr,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	return ctx.(*Context)
}

func fixtureFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.ts")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	return f
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

func firstVideo(t *testing.T, c *Context) *media.Packet {
	t.Helper()
	for {
		pkt := &media.Packet{}
		require.NoError(t, c.ReadPacket(pkt))
		if pkt.StreamIndex == 0 {
			return pkt
		}
	}
}

func TestBackend_Probe(t *testing.T) {
	b := New(Config{})
	data := writeFixture(t, fixtureOpts{seconds: 1})

	assert.Equal(t, media.ProbeScoreMax, b.Probe(media.ProbeData{Buf: data[:2048]}))
	assert.Equal(t, media.ProbeScoreExtension, b.Probe(media.ProbeData{URL: "http://host/live/stream.ts?token=1"}))
	assert.Equal(t, media.ProbeScoreExtension, b.Probe(media.ProbeData{URL: "/media/movie.M2TS"}))
	assert.Equal(t, media.ProbeScoreExtension, b.Probe(media.ProbeData{URL: "srt://10.0.0.1:9000?streamid=x"}))
	assert.Zero(t, b.Probe(media.ProbeData{URL: "/media/movie.mkv", Buf: []byte("not a transport stream")}))
	assert.Equal(t, "mpegts", b.Name())
	assert.Zero(t, b.Flags())
}

func TestContext_OpenIndexed(t *testing.T) {
	c := openFixture(t, fixtureFile(t, writeFixture(t, fixtureOpts{seconds: 2, audio: true})), nil, nil)

	streams := c.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, media.TypeVideo, streams[0].Type)
	assert.Equal(t, "h264", streams[0].Codec)
	assert.Equal(t, fixtureVideoPID, streams[0].ID)
	assert.Equal(t, media.TimeBaseMPEG, streams[0].TimeBase)
	assert.Equal(t, media.TypeAudio, streams[1].Type)
	assert.Equal(t, 48000, streams[1].SampleRate)
	assert.Equal(t, 2, streams[1].Channels)

	require.Len(t, c.Programs(), 1)
	assert.Equal(t, []int{0, 1}, c.Programs()[0].StreamIndices)

	f := c.Format()
	assert.Equal(t, "mpegts", f.Name)
	assert.NotEqual(t, media.NoTimestamp, f.StartTime)
	assert.InDelta(t, 2*time.Second.Microseconds(), f.Duration, float64(200*time.Millisecond.Microseconds()))
	assert.Positive(t, f.BitRate)
	assert.NotEqual(t, media.NoTimestamp, streams[0].StartTime)

	pos, seekable := c.IOPosition()
	assert.True(t, seekable)
	assert.Zero(t, pos)
}

func TestContext_FindStreamInfo(t *testing.T) {
	data := writeFixture(t, fixtureOpts{seconds: 2, audio: true})
	c := openFixture(t, readerOnly{bytes.NewReader(data)}, nil, nil)

	require.NoError(t, c.FindStreamInfo())

	v := c.Streams()[0]
	assert.Positive(t, v.Width)
	assert.Positive(t, v.Height)
	assert.Equal(t, "yuv420p", v.PixelFormat)
	assert.Equal(t, media.Rational{Num: fixtureFPS, Den: 1}, v.FrameRate)
	assert.NotEqual(t, media.NoTimestamp, v.StartTime)
	assert.NotEqual(t, media.NoTimestamp, c.Format().StartTime)
	assert.NotEmpty(t, c.replay)

	// Replayed frames are not lost.
	pkts := readAll(t, c)
	video := 0
	for _, p := range pkts {
		if p.StreamIndex == 0 {
			video++
		}
	}
	assert.GreaterOrEqual(t, video, 2*fixtureFPS-1)
	assert.True(t, pkts[0].IsKey())
}

func TestContext_FindStreamInfo_AudioLeads(t *testing.T) {
	data := writeFixture(t, fixtureOpts{seconds: 2, audio: true, audioFirst: true})
	c := openFixture(t, readerOnly{bytes.NewReader(data)}, nil, nil)

	require.NoError(t, c.FindStreamInfo())
	require.Greater(t, len(c.replay), 1)
	assert.Equal(t, uint16(fixtureAudioPID), c.replay[0].PID)

	v := c.Streams()[0]
	assert.Positive(t, v.Width)
	assert.Positive(t, v.Height)
	assert.Equal(t, media.Rational{Num: fixtureFPS, Den: 1}, v.FrameRate)
	require.NotEqual(t, media.NoTimestamp, v.StartTime)

	// Every probed frame is replayed once, in order.
	var first, last int64 = media.NoTimestamp, media.NoTimestamp
	video := 0
	for _, p := range readAll(t, c) {
		if p.StreamIndex != 0 {
			continue
		}
		if video == 0 {
			first = p.PTS
		}
		video++
		assert.Greater(t, p.PTS, last)
		last = p.PTS
	}
	assert.GreaterOrEqual(t, video, 2*fixtureFPS-1)
	assert.Equal(t, first, v.StartTime)
	assert.Equal(t, media.Rescale(first, media.TimeBaseMPEG, media.TimeBaseMicros), c.Format().StartTime)
}

func TestContext_LiveInput(t *testing.T) {
	data := writeFixture(t, fixtureOpts{seconds: 1, audio: true})
	c := openFixture(t, readerOnly{bytes.NewReader(data)}, nil, nil)

	assert.Zero(t, c.Format().Duration)
	_, seekable := c.IOPosition()
	assert.False(t, seekable)
	assert.ErrorIs(t, c.Seek(media.SeekBackwardTo(-1, 0, 0)), media.ErrNotSeekable)
	assert.ErrorIs(t, c.SeekIO(0), media.ErrNotSeekable)

	pkts := readAll(t, c)
	require.NotEmpty(t, pkts)

	var last int64 = media.NoTimestamp
	for _, p := range pkts {
		if p.StreamIndex != 0 {
			continue
		}
		if last != media.NoTimestamp {
			assert.Equal(t, frameTicks, p.PTS-last)
		}
		last = p.PTS
		assert.Equal(t, []byte{0, 0, 0, 1}, p.Data[:4])
	}
}

func TestContext_ReadPacketPackets(t *testing.T) {
	c := openFixture(t, fixtureFile(t, writeFixture(t, fixtureOpts{seconds: 2, audio: true})), nil, nil)

	pkts := readAll(t, c)
	var video, audio int
	for _, p := range pkts {
		switch p.StreamIndex {
		case 0:
			if video%fixtureGOP == 0 {
				assert.True(t, p.IsKey(), "video packet %d", video)
			}
			video++
		case 1:
			audio++
			assert.Equal(t, aacFrameTicks, p.Duration)
		}
		assert.NotEmpty(t, p.Data)
	}
	assert.GreaterOrEqual(t, video, 2*fixtureFPS-1)
	assert.Positive(t, audio)

	pkt := &media.Packet{}
	assert.ErrorIs(t, c.ReadPacket(pkt), io.EOF)
}

func TestContext_Discard(t *testing.T) {
	c := openFixture(t, fixtureFile(t, writeFixture(t, fixtureOpts{seconds: 1, audio: true})), nil, nil)

	c.SetStreamDiscard(1, true)
	for _, p := range readAll(t, c) {
		assert.Equal(t, 0, p.StreamIndex)
	}

	require.NoError(t, c.SeekIO(0))
	c.SetStreamDiscard(1, false)
	c.SetProgramDiscard(0, true)
	assert.Empty(t, readAll(t, c), "every stream belongs to the discarded program")
}

func TestContext_Seek(t *testing.T) {
	c := openFixture(t, fixtureFile(t, writeFixture(t, fixtureOpts{seconds: 4, audio: true})), nil, nil)
	require.NoError(t, c.FindStreamInfo())

	start := c.Streams()[0].StartTime
	gop := int64(fixtureGOP) * frameTicks
	us := func(ts int64) int64 { return media.Rescale(ts, media.TimeBaseMPEG, media.TimeBaseMicros) }
	target := us(start + 2*gop + 2*frameTicks)

	tests := []struct {
		name string
		req  media.SeekRequest
		want int64
		key  bool
	}{
		{"backward to keyframe", media.SeekBackwardTo(-1, target, 0), start + 2*gop, true},
		{"forward to keyframe", media.SeekForwardTo(-1, target, 0), start + 3*gop, true},
		{"any frame", media.SeekRequest{StreamIndex: -1, Min: media.NoTimestamp, TS: target, Max: target, Flags: media.SeekAny}, start + 2*gop + 2*frameTicks, false},
		{"stream timebase", media.SeekBackwardTo(0, start+gop, 0), start + gop, true},
		{"start", media.SeekBackwardTo(-1, us(start), 0), start, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.Flush()
			require.NoError(t, c.Seek(tt.req))
			pkt := firstVideo(t, c)
			assert.Equal(t, tt.want, pkt.PTS)
			assert.Equal(t, tt.key, pkt.IsKey())
		})
	}

	err := c.Seek(media.SeekBackwardTo(-1, us(start-gop), 0))
	assert.ErrorIs(t, err, media.ErrSeekFailed)

	// A failed seek leaves the position alone.
	pkt := &media.Packet{}
	require.NoError(t, c.ReadPacket(pkt))
}

func TestContext_InterruptKeepsData(t *testing.T) {
	data := writeFixture(t, fixtureOpts{seconds: 2})
	half := len(data) / 2

	pr, pw := io.Pipe()
	go func() {
		pw.Write(data[:half])
	}()

	var fire atomic.Bool
	c := openFixture(t, pr, nil, media.InterruptFunc(fire.Load))

	var got []*media.Packet
	time.AfterFunc(100*time.Millisecond, func() { fire.Store(true) })
	for {
		pkt := &media.Packet{}
		err := c.ReadPacket(pkt)
		if err != nil {
			require.ErrorIs(t, err, media.ErrExit)
			break
		}
		got = append(got, pkt)
	}
	require.NotEmpty(t, got)

	fire.Store(false)
	go func() {
		pw.Write(data[half:])
		pw.Close()
	}()
	got = append(got, readAll(t, c)...)

	for i := 1; i < len(got); i++ {
		assert.Equal(t, frameTicks, got[i].PTS-got[i-1].PTS, "packet %d", i)
	}
	assert.GreaterOrEqual(t, len(got), 2*fixtureFPS-1)
}

func TestContext_InvalidOptions(t *testing.T) {
	b := New(Config{})
	_, err := b.Open(context.Background(), "", &media.OpenOptions{
		Options: media.Options{"probesize": "tiny"},
		Input:   bytes.NewReader(nil),
	})
	assert.ErrorIs(t, err, media.ErrInvalidData)

	opts := media.Options{"probesize": "1000000", "analyzeduration": "2000000", "index": "false", "other": "1"}
	c := openFixture(t, fixtureFile(t, writeFixture(t, fixtureOpts{seconds: 1})), opts, nil)
	assert.Equal(t, []string{"other"}, opts.Keys())
	assert.Zero(t, c.Format().Duration, "indexing disabled")
}

func TestContext_NotTransportStream(t *testing.T) {
	b := New(Config{})
	_, err := b.Open(context.Background(), "", &media.OpenOptions{
		Input: bytes.NewReader(bytes.Repeat([]byte("garbage!"), 1024)),
	})
	assert.ErrorIs(t, err, media.ErrInvalidData)
}
