package demux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/avdemux/internal/backend/subtitle"
	"github.com/jmylchreest/avdemux/internal/backend/testsrc"
	"github.com/jmylchreest/avdemux/internal/media"
)

const (
	waitTimeout = 5 * time.Second
	waitTick    = 2 * time.Millisecond

	second = int64(10_000_000)
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Registry = media.NewRegistry(testsrc.New())
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func newTestDemuxer(t *testing.T, typ media.Type, mutate func(*Config)) *Demuxer {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	d := New(typ, true, cfg)
	t.Cleanup(d.Dispose)
	return d
}

func openTestDemuxer(t *testing.T, url string, mutate func(*Config)) *Demuxer {
	t.Helper()
	d := newTestDemuxer(t, media.TypeVideo, mutate)
	require.NoError(t, d.Open(url))
	return d
}

func waitStatus(t *testing.T, d *Demuxer, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.Status() == want && !d.IsRunning()
	}, waitTimeout, waitTick, "status %s, want %s", d.Status(), want)
}

func runToEnd(t *testing.T, d *Demuxer) {
	t.Helper()
	d.Start()
	waitStatus(t, d, StatusEnded)
}

func TestNew_StartsDisposed(t *testing.T) {
	d := newTestDemuxer(t, media.TypeVideo, nil)

	assert.True(t, d.Disposed())
	assert.Equal(t, StatusStopped, d.Status())
	assert.NotEmpty(t, d.ID())
	assert.Same(t, d.Packets(), d.CurPackets())
	assert.Nil(t, d.SubtitlePackets(2))
}

func TestOpen_DiscoversTracks(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=10&subtitles=1&data=1&chapters=2&programs=2&audio_lang=fre&attached_pic=1", nil)

	assert.False(t, d.Disposed())
	assert.Equal(t, StatusStopped, d.Status())
	assert.Equal(t, "testsrc", d.Name())
	assert.Equal(t, "mp4", d.Extension())
	assert.Equal(t, 10*second, d.Duration())
	assert.Equal(t, int64(0), d.StartTime())
	assert.False(t, d.IsLive())

	require.Len(t, d.VideoTracks(), 1, "attached pictures are excluded")
	require.Len(t, d.AudioTracks(), 1)
	require.Len(t, d.SubtitleTracks(), 1)
	require.Len(t, d.DataTracks(), 1)
	assert.Len(t, d.Tracks(), 4)

	video := d.VideoTracks()[0]
	assert.Equal(t, "h264", video.Codec)
	assert.InDelta(t, 25.0, video.FPS, 0.001)
	assert.Equal(t, second/25, video.FrameDuration)
	assert.Equal(t, 10*second, video.Duration)

	assert.Equal(t, "fre", d.AudioTracks()[0].Language)
	assert.Equal(t, "eng", d.SubtitleTracks()[0].Language, "untagged subtitles default to english")

	chapters := d.Chapters()
	require.Len(t, chapters, 2)
	assert.Equal(t, "Chapter 1", chapters[0].Title)
	assert.Equal(t, int64(0), chapters[0].Start)
	assert.Equal(t, 5*second, chapters[0].End)

	programs := d.Programs()
	require.Len(t, programs, 2)
	assert.Equal(t, "Service 1", programs[0].Name)
	for _, p := range programs {
		assert.False(t, p.Enabled())
	}

	assert.Empty(t, d.EnabledStreams())
	for _, tr := range d.Tracks() {
		assert.False(t, tr.Enabled())
	}
}

func TestOpen_StartOffset(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=4&start=2", nil)

	assert.Equal(t, 2*second, d.StartTime())
	video := d.VideoTracks()[0]
	assert.Equal(t, int64(180000), video.StartTimePts)

	d.EnableStream(video)
	p, err := d.GetNextVideoPacket()
	require.NoError(t, err)
	defer p.Free()
	assert.Equal(t, 2*second, video.ToTicks(p.PTS))
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name string
		typ  media.Type
		url  string
		err  error
	}{
		{"empty url", media.TypeVideo, "", ErrInvalidInput},
		{"unknown format", media.TypeVideo, "fmt://nope?&duration=1", media.ErrFormatNotFound},
		{"invalid options", media.TypeVideo, "fmt://testsrc?&fps=0", media.ErrInvalidData},
		{"no audio", media.TypeAudio, "fmt://testsrc?&audio=0", ErrNoStreams},
		{"no subtitles", media.TypeSubtitle, "fmt://testsrc?&duration=1", ErrNoStreams},
		{"no audio or video", media.TypeVideo, "fmt://testsrc?&video=0&audio=0&data=1", ErrNoStreams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDemuxer(t, tt.typ, nil)

			err := d.Open(tt.url)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, StatusFailed, d.Status())
			assert.True(t, d.Disposed())
			assert.Equal(t, int64(0), d.Pool().Live())
		})
	}
}

func TestOpen_AudioDemuxer(t *testing.T) {
	d := newTestDemuxer(t, media.TypeAudio, nil)
	require.NoError(t, d.Open("fmt://testsrc?&video=0&duration=1"))

	audio := d.AudioTracks()[0]
	d.EnableStream(audio)
	assert.Same(t, d.AudioPackets(), d.CurPackets())
}

func TestOpenReader_ProbesStream(t *testing.T) {
	d := newTestDemuxer(t, media.TypeSubtitle, func(c *Config) {
		c.Registry = media.NewRegistry(subtitle.NewSubRip(subtitle.Config{}))
	})

	doc := "1\n00:00:01,000 --> 00:00:02,000\nHello\n\n2\n00:00:03,000 --> 00:00:04,500\nWorld\n"
	require.NoError(t, d.OpenReader(strings.NewReader(doc)))

	assert.Equal(t, subtitle.NameSubRip, d.Name())
	require.Len(t, d.SubtitleTracks(), 1)
	assert.Equal(t, int64(0), d.StartTime())
}

func TestForceDuration(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=10", nil)
	require.False(t, d.IsLive())

	d.ForceDuration(42 * second)
	assert.Equal(t, 42*second, d.Duration())
	assert.True(t, d.IsLive())

	d.ForceDuration(0)
	assert.Equal(t, int64(0), d.Duration())
	assert.False(t, d.IsLive())
}

func TestDispose_IsIdempotentAndFreesPackets(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=3&subtitles=1", nil)
	for _, tr := range d.Tracks() {
		d.EnableStream(tr)
	}
	runToEnd(t, d)
	require.Positive(t, d.VideoPackets().Count())

	d.Dispose()
	d.Dispose()

	assert.True(t, d.Disposed())
	assert.Equal(t, StatusStopped, d.Status())
	assert.Equal(t, int64(0), d.Pool().Live())
	assert.Empty(t, d.Tracks())
	assert.Nil(t, d.VideoTrack())
	assert.Equal(t, int64(0), d.TotalBytes())
	assert.Empty(t, d.URL())

	d.Start()
	assert.False(t, d.IsRunning(), "start after dispose is a no-op")
	assert.ErrorIs(t, d.Seek(0, true), ErrDisposed)
	assert.ErrorIs(t, d.SeekInQueue(0, true), ErrDisposed)
	_, err := d.GetNextPacket(-1)
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestOpen_Reopen(t *testing.T) {
	url := "fmt://testsrc?&duration=2&audio=2"
	d := openTestDemuxer(t, url, nil)
	d.EnableStream(d.VideoTracks()[0])
	runToEnd(t, d)

	require.NoError(t, d.Open(url))

	assert.Equal(t, StatusStopped, d.Status())
	assert.Len(t, d.AudioTracks(), 2)
	assert.Len(t, d.VideoTracks(), 1)
	assert.Nil(t, d.VideoTrack())
	assert.True(t, d.VideoPackets().IsEmpty())
	assert.Equal(t, int64(1), d.Pool().Live(), "only the receive packet is live")
}

func TestRun_ReadsToEnd(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=10", func(c *Config) {
		c.MaxAudioPackets = 0
	})
	d.EnableStream(d.VideoTracks()[0])
	d.EnableStream(d.AudioTracks()[0])
	assert.Same(t, d.VideoPackets(), d.CurPackets())

	runToEnd(t, d)
	assert.NoError(t, d.Err())

	assert.Equal(t, 250, d.VideoPackets().Count())
	assert.Equal(t, 469, d.AudioPackets().Count())
	assert.Equal(t, int64(0), d.CurTime())
	assert.Equal(t, 249*second/25, d.BufferedDuration())
	assert.Positive(t, d.TotalBytes())

	first := d.VideoPackets().Peek()
	require.NotNil(t, first)
	assert.True(t, first.IsKey())
}

func TestRun_SharedQueue(t *testing.T) {
	cfg := testConfig()
	d := New(media.TypeVideo, false, cfg)
	t.Cleanup(d.Dispose)
	require.NoError(t, d.Open("fmt://testsrc?&duration=1"))

	for _, tr := range d.Tracks() {
		d.EnableStream(tr)
	}
	assert.Same(t, d.Packets(), d.PacketsFor(d.AudioTracks()[0]))

	runToEnd(t, d)

	assert.Equal(t, 25+47, d.Packets().Count())
	assert.True(t, d.VideoPackets().IsEmpty())
	assert.True(t, d.AudioPackets().IsEmpty())
}

func TestRun_AudioLimit(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=5", func(c *Config) {
		c.MaxAudioPackets = 50
	})

	events := make(chan Event, 4)
	unsubscribe := d.Subscribe(func(e Event) { events <- e })
	defer unsubscribe()

	d.EnableStream(d.VideoTracks()[0])
	d.EnableStream(d.AudioTracks()[0])
	runToEnd(t, d)

	assert.Equal(t, 51, d.AudioPackets().Count())
	assert.Equal(t, 125, d.VideoPackets().Count())

	select {
	case e := <-events:
		assert.Equal(t, EventAudioLimit, e)
	case <-time.After(waitTimeout):
		t.Fatal("audio limit event not raised")
	}

	select {
	case e := <-events:
		t.Fatalf("unexpected second event %s", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRun_DataTakesVideoTimestamp(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=2&audio=0&data=1", nil)
	d.EnableStream(d.VideoTracks()[0])
	d.EnableStream(d.DataTracks()[0])
	runToEnd(t, d)

	require.Equal(t, 2, d.DataPackets().Count())
	p := d.DataPackets().Dequeue()
	defer p.Free()
	assert.NotEqual(t, media.NoTimestamp, p.PTS)
}

func TestRun_QueueFull(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=60&audio=0", func(c *Config) {
		c.BufferDuration = 2 * time.Second
		c.QueueFullPoll = time.Millisecond
	})
	d.EnableStream(d.VideoTracks()[0])

	d.Start()
	require.Eventually(t, func() bool { return d.Status() == StatusQueueFull }, waitTimeout, waitTick)
	assert.True(t, d.IsRunning())
	assert.Greater(t, d.BufferedDuration(), 2*second)
	assert.LessOrEqual(t, d.BufferedDuration(), 2*second+second/25)

	_, err := d.GetNextPacket(-1)
	assert.ErrorIs(t, err, ErrRunning)

	// Consuming below the limit resumes reading.
	for range 50 {
		d.VideoPackets().Dequeue().Free()
	}
	require.Eventually(t, func() bool {
		return d.Status() == StatusQueueFull && d.VideoPackets().LastTimestamp() > 3*second
	}, waitTimeout, waitTick)

	d.Pause()
	assert.Equal(t, StatusPaused, d.Status())
	assert.False(t, d.IsRunning())

	d.Start()
	require.Eventually(t, func() bool { return d.Status() == StatusQueueFull }, waitTimeout, waitTick)
	d.Stop()
	assert.Equal(t, StatusStopped, d.Status())
	assert.False(t, d.IsRunning())
}

func TestRun_PauseOnQueueFull(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=60&audio=0", func(c *Config) {
		c.BufferDuration = time.Second
	})
	d.EnableStream(d.VideoTracks()[0])
	d.SetPauseOnQueueFull(true)

	d.Start()
	waitStatus(t, d, StatusPaused)
	assert.Greater(t, d.BufferedDuration(), second)
}

func TestRun_BufferPackets(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=60&audio=0", func(c *Config) {
		c.BufferPackets = 10
	})
	d.EnableStream(d.VideoTracks()[0])
	d.SetPauseOnQueueFull(true)

	d.Start()
	waitStatus(t, d, StatusPaused)
	assert.Equal(t, 11, d.VideoPackets().Count())
}

func TestRun_RecoversFromReadErrors(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=1&audio=0&errors=3", func(c *Config) {
		c.MaxErrors = 10
	})
	d.EnableStream(d.VideoTracks()[0])
	runToEnd(t, d)

	assert.Equal(t, 25, d.VideoPackets().Count())
}

func TestRun_TooManyErrors(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=1&audio=0&errors=10", func(c *Config) {
		c.MaxErrors = 3
	})
	d.EnableStream(d.VideoTracks()[0])

	d.Start()
	waitStatus(t, d, StatusStopped)
	assert.True(t, d.VideoPackets().IsEmpty())
	assert.ErrorIs(t, d.Err(), ErrTooManyErrors)
}

func TestRun_ReadTimeout(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=1&stall=true", func(c *Config) {
		c.Timeouts.Read = 30 * time.Millisecond
	})

	events := make(chan Event, 1)
	d.Subscribe(func(e Event) {
		select {
		case events <- e:
		default:
		}
	})

	d.EnableStream(d.VideoTracks()[0])
	d.Start()
	waitStatus(t, d, StatusStopped)
	assert.ErrorIs(t, d.Err(), ErrTimedOut)

	select {
	case e := <-events:
		assert.Equal(t, EventTimedOut, e)
	case <-time.After(waitTimeout):
		t.Fatal("timeout event not raised")
	}
}

func TestStop_InterruptsBlockedRead(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=1&stall=true", nil)
	d.EnableStream(d.VideoTracks()[0])

	d.Start()
	require.Eventually(t, d.IsRunning, waitTimeout, waitTick)
	time.Sleep(10 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("stop did not interrupt the blocked read")
	}
	assert.Equal(t, StatusStopped, d.Status())
	assert.False(t, d.Interrupter().ForceInterrupt())
}

func TestSeek_KeyframeDirection(t *testing.T) {
	tests := []struct {
		name    string
		target  int64
		forward bool
		want    int64
	}{
		{"forward mid gop", 55 * second / 10, true, 6 * second},
		{"backward mid gop", 55 * second / 10, false, 5 * second},
		{"forward on keyframe", 3 * second, true, 3 * second},
		{"backward near start", second / 2, false, 0},
		{"before start", -second, true, 0},
		{"forward past last keyframe falls back", 99 * second / 10, true, 9 * second},
	}

	d := openTestDemuxer(t, "fmt://testsrc?&duration=10&audio=0", nil)
	video := d.VideoTracks()[0]
	d.EnableStream(video)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, d.Seek(tt.target, tt.forward))

			p, err := d.GetNextVideoPacket()
			require.NoError(t, err)
			defer p.Free()

			assert.True(t, p.IsKey())
			assert.Equal(t, tt.want, video.ToTicks(p.PTS))
			if tt.target > 0 && tt.forward && tt.want >= tt.target {
				assert.GreaterOrEqual(t, video.ToTicks(p.PTS), tt.target)
			}
			if !tt.forward {
				assert.LessOrEqual(t, video.ToTicks(p.PTS), tt.target)
			}
		})
	}
}

func TestSeek_ClearsQueuesAndLeavesEnded(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=2", func(c *Config) {
		c.MaxAudioPackets = 0
	})
	d.EnableStream(d.VideoTracks()[0])
	d.EnableStream(d.AudioTracks()[0])
	runToEnd(t, d)
	require.False(t, d.VideoPackets().IsEmpty())

	require.NoError(t, d.Seek(second, true))

	assert.Equal(t, StatusStopped, d.Status())
	assert.True(t, d.VideoPackets().IsEmpty())
	assert.True(t, d.AudioPackets().IsEmpty())
	assert.Equal(t, int64(1), d.Pool().Live())

	runToEnd(t, d)
	assert.Equal(t, 25, d.VideoPackets().Count())
	assert.Equal(t, second, d.CurTime())
}

func TestSeek_WithoutVideo(t *testing.T) {
	d := newTestDemuxer(t, media.TypeAudio, nil)
	require.NoError(t, d.Open("fmt://testsrc?&video=0&duration=4"))
	audio := d.AudioTracks()[0]
	d.EnableStream(audio)

	require.NoError(t, d.Seek(2*second, true))
	p, err := d.GetNextPacket(audio.Index)
	require.NoError(t, err)
	defer p.Free()

	pts := audio.ToTicks(p.PTS)
	assert.GreaterOrEqual(t, pts, 2*second)
	assert.Less(t, pts, 2*second+audio.ToTicks(p.Duration))
}

// slowSeekSource is testsrc with seeks that take seekDelay, the first of
// which fails.
type slowSeekSource struct {
	*testsrc.Backend
	seekDelay time.Duration
	seeks     atomic.Int32
}

func (b *slowSeekSource) Open(ctx context.Context, url string, opts *media.OpenOptions) (media.Context, error) {
	c, err := b.Backend.Open(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return &slowSeekContext{Context: c.(*testsrc.Context), src: b}, nil
}

type slowSeekContext struct {
	*testsrc.Context
	src *slowSeekSource
}

func (c *slowSeekContext) Seek(req media.SeekRequest) error {
	time.Sleep(c.src.seekDelay)
	if c.src.seeks.Add(1) == 1 {
		return media.ErrSeekFailed
	}
	return c.Context.Seek(req)
}

func TestSeek_RetryGetsItsOwnDeadline(t *testing.T) {
	src := &slowSeekSource{Backend: testsrc.New(), seekDelay: 200 * time.Millisecond}
	d := openTestDemuxer(t, "fmt://testsrc?&duration=10&audio=0", func(c *Config) {
		c.Registry = media.NewRegistry(src)
		c.Timeouts.Seek = 300 * time.Millisecond
	})
	video := d.VideoTracks()[0]
	d.EnableStream(video)

	// Each attempt fits the seek timeout, both together do not.
	require.NoError(t, d.Seek(2*second, false))
	assert.Equal(t, int32(2), src.seeks.Load())
	assert.False(t, d.Interrupter().Timedout())

	p, err := d.GetNextVideoPacket()
	require.NoError(t, err)
	defer p.Free()
	assert.True(t, p.IsKey())
	assert.GreaterOrEqual(t, video.ToTicks(p.PTS), 2*second)
}

func TestSeekInQueue(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=60", func(c *Config) {
		c.BufferDuration = 10 * time.Second
		c.MaxAudioPackets = 0
	})
	video := d.VideoTracks()[0]
	audio := d.AudioTracks()[0]
	d.EnableStream(video)
	d.EnableStream(audio)

	assert.ErrorIs(t, d.SeekInQueue(5*second, true), ErrNotFoundInQueue, "nothing buffered yet")

	d.Start()
	require.Eventually(t, func() bool { return d.Status() == StatusQueueFull }, waitTimeout, waitTick)
	d.Stop()

	// Keyframes every second: 6.5s lands on the one at 7s.
	require.NoError(t, d.SeekInQueue(6*second+second/2, true))

	head := d.VideoPackets().Peek()
	require.NotNil(t, head)
	assert.True(t, head.IsKey())
	assert.Equal(t, 7*second, video.ToTicks(head.PTS), "first keyframe after the target")

	ahead := d.AudioPackets().Peek()
	require.NotNil(t, ahead)
	assert.GreaterOrEqual(t, audio.ToTicks(ahead.PTS+ahead.Duration), 7*second)
	assert.Less(t, audio.ToTicks(ahead.PTS), 7*second)

	// The position is that of the last packet dequeued, the frame before
	// the keyframe.
	frame := second / 25
	assert.Equal(t, 7*second-frame, d.CurTime())

	// A keyframe exactly at the target is kept.
	require.NoError(t, d.SeekInQueue(7*second, true))
	assert.Equal(t, 7*second, video.ToTicks(d.VideoPackets().Peek().PTS))

	require.NoError(t, d.SeekInQueue(8*second, true))
	assert.Equal(t, 8*second, video.ToTicks(d.VideoPackets().Peek().PTS))
	assert.Equal(t, 8*second-frame, d.CurTime())

	assert.ErrorIs(t, d.SeekInQueue(30*second, true), ErrNotFoundInQueue)
	assert.ErrorIs(t, d.SeekInQueue(2*second, false), ErrNotFoundInQueue, "already consumed")
}

func TestGetNextPacket(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=1", nil)
	video := d.VideoTracks()[0]
	audio := d.AudioTracks()[0]
	d.EnableStream(video)
	d.EnableStream(audio)

	p, err := d.GetNextPacket(audio.Index)
	require.NoError(t, err)
	assert.Equal(t, audio.Index, p.StreamIndex)
	p.Free()

	var videoCount int
	for {
		p, err := d.GetNextPacket(video.Index)
		if errors.Is(err, io.EOF) {
			require.NotNil(t, p)
			assert.True(t, p.IsDrain())
			assert.Equal(t, video.Index, p.StreamIndex)
			p.Free()
			break
		}
		require.NoError(t, err)
		videoCount++
		p.Free()
	}

	assert.Equal(t, 24, videoCount, "the first frame was skipped while looking for audio")
	assert.Equal(t, StatusEnded, d.Status())
	assert.Equal(t, int64(1), d.Pool().Live())
}

func TestGetNextPacket_AnyEnabled(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=1&audio=2", nil)
	d.EnableStream(d.AudioTracks()[1])

	p, err := d.GetNextPacket(-1)
	require.NoError(t, err)
	defer p.Free()
	assert.Equal(t, d.AudioTracks()[1].Index, p.StreamIndex)
}

func TestGetNextVideoPacket_NoVideo(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=1", nil)
	_, err := d.GetNextVideoPacket()
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStreams_SwitchStream(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=2&audio=2", func(c *Config) {
		c.MaxAudioPackets = 0
	})
	a0, a1 := d.AudioTracks()[0], d.AudioTracks()[1]
	d.EnableStream(d.VideoTracks()[0])
	d.EnableStream(a0)
	runToEnd(t, d)

	buffered := d.AudioPackets().Count()
	require.Positive(t, buffered)

	d.SwitchStream(a0)
	assert.Same(t, a0, d.AudioTrack())
	assert.Equal(t, buffered, d.AudioPackets().Count(), "switching to the selected track is a no-op")

	d.SwitchStream(a1)
	assert.Same(t, a1, d.AudioTrack())
	assert.False(t, a0.Enabled())
	assert.True(t, a1.Enabled())
	assert.True(t, d.AudioPackets().IsEmpty())
	assert.NotContains(t, d.EnabledStreams(), a0)
	assert.Contains(t, d.EnabledStreams(), a1)
}

func TestStreams_DisableVideoFallsBackToAudioClock(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=1", nil)
	video := d.VideoTracks()[0]
	d.EnableStream(video)
	d.EnableStream(d.AudioTracks()[0])
	require.Same(t, d.VideoPackets(), d.CurPackets())

	d.DisableStream(video)

	assert.Nil(t, d.VideoTrack())
	assert.Same(t, d.AudioPackets(), d.CurPackets())
	assert.Same(t, d.AudioPackets(), d.PacketsFor(d.AudioTracks()[0]))
	assert.Nil(t, d.PacketsFor(&Track{Type: media.TypeSubtitle}))

	d.DisableStream(video)
	assert.Len(t, d.EnabledStreams(), 1)
}

func TestStreams_SharedSubtitleSlots(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=10&audio=0&subtitles=1", nil)
	sub := d.SubtitleTracks()[0]

	d.SetSubtitleSlot(0)
	d.EnableStream(sub)
	d.SetSubtitleSlot(1)
	d.EnableStream(sub)

	assert.Same(t, sub, d.SubtitleTrack(0))
	assert.Same(t, sub, d.SubtitleTrack(1))
	assert.Len(t, d.EnabledStreams(), 1)
	assert.Same(t, d.SubtitlePackets(0), d.CurPackets())

	runToEnd(t, d)
	require.Equal(t, 5, d.SubtitlePackets(0).Count())
	require.Equal(t, 5, d.SubtitlePackets(1).Count())

	d.DisableStream(sub)
	assert.True(t, sub.Enabled(), "still selected in slot 0")
	assert.Nil(t, d.SubtitleTrack(1))
	assert.Same(t, sub, d.SubtitleTrack(0))
	assert.True(t, d.SubtitlePackets(1).IsEmpty())
	assert.Equal(t, 5, d.SubtitlePackets(0).Count())

	d.SetSubtitleSlot(0)
	d.DisableStream(sub)
	assert.False(t, sub.Enabled())
	assert.Nil(t, d.SubtitleTrack(0))
	assert.True(t, d.SubtitlePackets(0).IsEmpty())
	assert.Equal(t, int64(1), d.Pool().Live())
}

func TestStreams_SubtitleSlotBounds(t *testing.T) {
	d := newTestDemuxer(t, media.TypeVideo, nil)
	d.SetSubtitleSlot(1)
	d.SetSubtitleSlot(5)
	assert.Equal(t, 1, d.SubtitleSlot())
	assert.Nil(t, d.SubtitleTrack(-1))
}

func TestPrograms(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=1&programs=2", nil)
	video, audio := d.VideoTracks()[0], d.AudioTracks()[0]
	programs := d.Programs()
	require.Len(t, programs, 2)

	d.EnableStream(video)
	assert.True(t, programs[0].Enabled())
	assert.False(t, programs[1].Enabled())
	assert.True(t, d.IsProgramEnabled(video))
	assert.False(t, d.IsProgramEnabled(audio))

	d.EnableStream(audio)
	assert.True(t, programs[1].Enabled())

	d.DisableStream(video)
	assert.False(t, programs[0].Enabled())
	assert.True(t, programs[1].Enabled())

	d.DisableProgram(audio)
	assert.False(t, programs[1].Enabled())
	d.EnableProgram(audio)
	assert.True(t, programs[1].Enabled())
}

func TestPrograms_SharedProgramStaysEnabled(t *testing.T) {
	d := openTestDemuxer(t, "fmt://testsrc?&duration=1&programs=1", nil)
	video, audio := d.VideoTracks()[0], d.AudioTracks()[0]
	program := d.Programs()[0]

	d.EnableStream(video)
	d.EnableStream(audio)
	require.True(t, program.Enabled())

	d.DisableStream(video)
	assert.True(t, program.Enabled(), "audio still needs the program")

	d.DisableStream(audio)
	assert.False(t, program.Enabled())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "queue_full", StatusQueueFull.String())
	assert.Equal(t, "ended", StatusEnded.String())
	assert.Equal(t, "unknown", Status(99).String())
	assert.Equal(t, "audio_limit", EventAudioLimit.String())
	assert.Equal(t, "timed_out", EventTimedOut.String())
}
