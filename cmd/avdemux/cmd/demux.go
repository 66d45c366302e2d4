package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/avdemux/internal/demux"
	"github.com/jmylchreest/avdemux/internal/httpclient"
	"github.com/jmylchreest/avdemux/internal/media"
	"github.com/jmylchreest/avdemux/internal/observability"
	"github.com/jmylchreest/avdemux/internal/statusapi"
)

var (
	demuxType       string
	demuxSeek       time.Duration
	demuxReverse    bool
	demuxLimit      time.Duration
	demuxStats      time.Duration
	demuxStatusAddr string
	demuxAllTracks  bool
)

var demuxCmd = &cobra.Command{
	Use:   "demux URL",
	Short: "Read packets from an input",
	Long: `Open an input, run the read loop and consume every packet it delivers,
printing per-track counters at the end.

By default the first track of each kind the session type plays is read
(video sessions read video, audio and subtitles), preferring tracks
flagged as default. --all-tracks reads every track.

With --reverse the video track is played backwards from the --seek
position (or the end of the input), one keyframe group at a time.

With --status-addr (or status.addr in the config) the session is
published on an HTTP status endpoint while it runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runDemux,
}

func init() {
	demuxCmd.Flags().StringVar(&demuxType, "type", "video", "session type (video, audio, subtitle)")
	demuxCmd.Flags().DurationVar(&demuxSeek, "seek", 0, "start position relative to the input start")
	demuxCmd.Flags().BoolVar(&demuxReverse, "reverse", false, "play video backwards from the seek position")
	demuxCmd.Flags().DurationVar(&demuxLimit, "duration", 0, "stop after this much media time (0 = until end)")
	demuxCmd.Flags().DurationVar(&demuxStats, "stats-interval", 5*time.Second, "interval between progress logs (0 = off)")
	demuxCmd.Flags().StringVar(&demuxStatusAddr, "status-addr", "", "listen address of the status endpoint")
	demuxCmd.Flags().BoolVar(&demuxAllTracks, "all-tracks", false, "read every track instead of one per kind")
	rootCmd.AddCommand(demuxCmd)
}

// trackCounter accumulates what the consumer received for one track.
type trackCounter struct {
	packets int
	bytes   int64
	first   int64
	last    int64
}

type demuxStatsSet map[int]*trackCounter

func (s demuxStatsSet) add(streamIndex int, size int, ts int64) {
	c := s[streamIndex]
	if c == nil {
		c = &trackCounter{first: ts}
		s[streamIndex] = c
	}
	c.packets++
	c.bytes += int64(size)
	c.last = ts
}

func (s demuxStatsSet) totals() (packets int, bytes int64) {
	for _, c := range s {
		packets += c.packets
		bytes += c.bytes
	}
	return packets, bytes
}

func runDemux(cmd *cobra.Command, args []string) error {
	typ, ok := parseType(demuxType)
	if !ok {
		return fmt.Errorf("unknown session type %q", demuxType)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	set := newBackends(appConfig, logger)
	d := demux.New(typ, false, toDemuxConfig(appConfig, set, logger))
	defer d.Dispose()

	log := observability.WithSession(logger, d.ID())
	unsubscribe := d.Subscribe(func(e demux.Event) {
		log.Warn("demuxer event", slog.String("event", e.String()))
	})
	defer unsubscribe()

	rawURL := args[0]
	log.Info("opening input", slog.String("url", httpclient.SanitizeURL(rawURL)))
	if err := d.Open(rawURL); err != nil {
		return fmt.Errorf("opening input: %w", err)
	}

	for _, t := range enableTracks(d, typ, demuxAllTracks) {
		log.Info("track enabled",
			slog.Int("index", t.Index),
			slog.String("type", t.Type.String()),
			slog.String("codec", t.Codec))
	}

	addr := appConfig.Status.Addr
	if cmd.Flags().Changed("status-addr") {
		addr = demuxStatusAddr
	}
	if addr != "" {
		srv := statusapi.NewServer(statusapi.Config{Addr: addr, Logger: logger})
		srv.Register(d)
		defer srv.Unregister(d.ID())

		srvCtx, stopSrv := context.WithCancel(context.Background())
		srvDone := make(chan struct{})
		go func() {
			defer close(srvDone)
			if err := srv.ListenAndServe(srvCtx); err != nil {
				log.Error("status server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			stopSrv()
			<-srvDone
		}()
	}

	stats := make(demuxStatsSet)
	start := time.Now()
	var err error
	if demuxReverse {
		err = consumeReverse(ctx, d, stats, log)
	} else {
		err = consumeForward(ctx, d, stats, log)
	}
	d.Stop()

	printDemuxSummary(cmd, d, stats, time.Since(start))
	if errors.Is(err, context.Canceled) {
		log.Info("interrupted")
		return nil
	}
	return err
}

// consumeForward seeks if requested, then drains the packet queue until the
// read loop exits, the media limit is reached or ctx is done.
func consumeForward(ctx context.Context, d *demux.Demuxer, stats demuxStatsSet, log *slog.Logger) error {
	if demuxSeek > 0 {
		if err := d.Seek(d.StartTime()+ticksOf(demuxSeek), false); err != nil {
			return fmt.Errorf("seeking to %s: %w", demuxSeek, err)
		}
	}

	d.Start()
	q := d.Packets()
	limit := ticksOf(demuxLimit)
	var origin int64 = -1

	report := newReporter(d, log)
	defer report.stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt := q.Dequeue()
		if pkt == nil {
			if !d.IsRunning() && q.IsEmpty() {
				return endError(d)
			}
			time.Sleep(appConfig.Demuxer.QueueFullPoll)
			continue
		}

		stats.add(pkt.StreamIndex, len(pkt.Data), pkt.Timestamp())
		pkt.Free()

		if limit > 0 {
			cur := d.CurTime()
			if origin < 0 {
				origin = cur
			}
			if cur-origin >= limit {
				log.Info("duration limit reached", slog.Duration("limit", demuxLimit))
				return nil
			}
		}
	}
}

// consumeReverse walks the video track backwards one keyframe group at a time.
func consumeReverse(ctx context.Context, d *demux.Demuxer, stats demuxStatsSet, log *slog.Logger) error {
	from := demuxSeek
	if from <= 0 {
		from = durationOf(d.Duration())
	}
	if err := d.EnableReversePlayback(ticksOf(from)); err != nil {
		return fmt.Errorf("enabling reverse playback: %w", err)
	}
	log.Info("reverse playback", slog.Duration("from", from))

	d.Start()
	rq := d.VideoPacketsReverse()
	groups := 0

	report := newReporter(d, log)
	defer report.stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		g := rq.NextGroup()
		if g == nil {
			if !d.IsRunning() && rq.Count() == 0 {
				log.Info("reverse playback finished", slog.Int("groups", groups))
				return endError(d)
			}
			time.Sleep(appConfig.Demuxer.QueueFullPoll)
			continue
		}

		groups++
		for _, p := range g.Packets {
			if p.IsDrain() {
				continue
			}
			stats.add(p.StreamIndex, len(p.Data), p.Timestamp())
		}
		g.Free()
	}
}

// enableTracks enables every track when all is set, otherwise the first
// track of each kind typ plays, preferring default tracks.
func enableTracks(d *demux.Demuxer, typ media.Type, all bool) []*demux.Track {
	if all {
		for _, t := range d.Tracks() {
			d.EnableStream(t)
		}
		return d.EnabledStreams()
	}

	pick := func(tracks []*demux.Track) {
		if len(tracks) == 0 {
			return
		}
		chosen := tracks[0]
		for _, t := range tracks {
			if t.Disposition.Has(media.DispositionDefault) {
				chosen = t
				break
			}
		}
		d.EnableStream(chosen)
	}

	switch typ {
	case media.TypeVideo:
		pick(d.VideoTracks())
		pick(d.AudioTracks())
		pick(d.SubtitleTracks())
	case media.TypeAudio:
		pick(d.AudioTracks())
	case media.TypeSubtitle:
		pick(d.SubtitleTracks())
	}
	return d.EnabledStreams()
}

// endError reports why the read loop gave up, if it did.
func endError(d *demux.Demuxer) error {
	if err := d.Err(); err != nil {
		return fmt.Errorf("read loop failed: %w", err)
	}
	return nil
}

// reporter logs progress periodically until stopped.
type reporter struct {
	done chan struct{}
	wg   chan struct{}
}

func newReporter(d *demux.Demuxer, log *slog.Logger) *reporter {
	r := &reporter{done: make(chan struct{}), wg: make(chan struct{})}
	if demuxStats <= 0 {
		close(r.wg)
		return r
	}

	go func() {
		defer close(r.wg)
		ticker := time.NewTicker(demuxStats)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				log.Info("progress",
					slog.String("status", d.Status().String()),
					slog.Duration("position", durationOf(d.CurTime()-d.StartTime())),
					slog.Duration("buffered", durationOf(d.BufferedDuration())),
					slog.String("read", humanize.IBytes(uint64(d.TotalBytes()))),
					slog.Int("queued", d.Packets().Count()),
					slog.Int64("in_use", d.Pool().Live()))
			}
		}
	}()
	return r
}

func (r *reporter) stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	<-r.wg
}

func printDemuxSummary(cmd *cobra.Command, d *demux.Demuxer, stats demuxStatsSet, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	packets, bytes := stats.totals()
	fmt.Fprintf(out, "%s: %s packets, %s in %s (input read %s)\n",
		d.Name(),
		humanize.Comma(int64(packets)),
		humanize.IBytes(uint64(bytes)),
		elapsed.Round(time.Millisecond),
		humanize.IBytes(uint64(d.TotalBytes())))

	indexes := make([]int, 0, len(stats))
	for i := range stats {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	byIndex := make(map[int]*demux.Track)
	for _, t := range d.Tracks() {
		byIndex[t.Index] = t
	}
	for _, i := range indexes {
		c := stats[i]
		label := fmt.Sprintf("#%d", i)
		if t := byIndex[i]; t != nil {
			label = fmt.Sprintf("#%d %s/%s", i, t.Type, t.Codec)
		}
		fmt.Fprintf(out, "  %-24s %8s packets %10s\n", label, humanize.Comma(int64(c.packets)), humanize.IBytes(uint64(c.bytes)))
	}
}
