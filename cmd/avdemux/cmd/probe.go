package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/avdemux/internal/demux"
	"github.com/jmylchreest/avdemux/internal/httpclient"
	"github.com/jmylchreest/avdemux/internal/media"
	"github.com/jmylchreest/avdemux/internal/observability"
)

var (
	probeOutput   string
	probeType     string
	probeParallel int
)

var probeCmd = &cobra.Command{
	Use:   "probe URL...",
	Short: "Open inputs and print their tracks",
	Long: `Open one or more inputs concurrently and print the container, track,
program and chapter information discovered at open time.

URLs may be files, http(s), srt:// or device URLs such as
fmt://testsrc?&duration=10&audio=2.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVarP(&probeOutput, "output", "o", "text", "output format (text, json, yaml)")
	probeCmd.Flags().StringVar(&probeType, "type", "video", "session type (video, audio, subtitle)")
	probeCmd.Flags().IntVar(&probeParallel, "parallel", 4, "number of inputs opened at once")
	rootCmd.AddCommand(probeCmd)
}

// ProbeResult is the description of one input.
type ProbeResult struct {
	URL       string            `json:"url" yaml:"url"`
	Session   string            `json:"session" yaml:"session"`
	Error     string            `json:"error,omitempty" yaml:"error,omitempty"`
	Format    string            `json:"format,omitempty" yaml:"format,omitempty"`
	LongName  string            `json:"long_name,omitempty" yaml:"long_name,omitempty"`
	Extension string            `json:"extension,omitempty" yaml:"extension,omitempty"`
	Live      bool              `json:"live" yaml:"live"`
	StartTime time.Duration     `json:"start_time" yaml:"start_time"`
	Duration  time.Duration     `json:"duration" yaml:"duration"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Tracks    []ProbeTrack      `json:"tracks,omitempty" yaml:"tracks,omitempty"`
	Programs  []ProbeProgram    `json:"programs,omitempty" yaml:"programs,omitempty"`
	Chapters  []ProbeChapter    `json:"chapters,omitempty" yaml:"chapters,omitempty"`
}

// ProbeTrack describes one track.
type ProbeTrack struct {
	Index       int           `json:"index" yaml:"index"`
	ID          int           `json:"id" yaml:"id"`
	Type        string        `json:"type" yaml:"type"`
	Codec       string        `json:"codec" yaml:"codec"`
	Language    string        `json:"language,omitempty" yaml:"language,omitempty"`
	Title       string        `json:"title,omitempty" yaml:"title,omitempty"`
	Disposition string        `json:"disposition,omitempty" yaml:"disposition,omitempty"`
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
	Width       int           `json:"width,omitempty" yaml:"width,omitempty"`
	Height      int           `json:"height,omitempty" yaml:"height,omitempty"`
	FPS         float64       `json:"fps,omitempty" yaml:"fps,omitempty"`
	PixelFormat string        `json:"pixel_format,omitempty" yaml:"pixel_format,omitempty"`
	SampleRate  int           `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Channels    int           `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// ProbeProgram describes one program.
type ProbeProgram struct {
	ID            int    `json:"id" yaml:"id"`
	ProgramNumber int    `json:"program_number" yaml:"program_number"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	Tracks        []int  `json:"tracks" yaml:"tracks"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
}

// ProbeChapter describes one chapter.
type ProbeChapter struct {
	Title string        `json:"title,omitempty" yaml:"title,omitempty"`
	Start time.Duration `json:"start" yaml:"start"`
	End   time.Duration `json:"end" yaml:"end"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	switch probeOutput {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", probeOutput)
	}
	typ, ok := parseType(probeType)
	if !ok {
		return fmt.Errorf("unknown session type %q", probeType)
	}

	set := newBackends(appConfig, logger)
	cfg := toDemuxConfig(appConfig, set, logger)

	results := make([]ProbeResult, len(args))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(1, probeParallel))
	for i, u := range args {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			results[i] = probeOne(cfg, typ, u)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := writeProbe(cmd.OutOrStdout(), probeOutput, results); err != nil {
		return err
	}
	if n := countFailed(results); n > 0 {
		return fmt.Errorf("%d of %d inputs failed", n, len(results))
	}
	return nil
}

func countFailed(results []ProbeResult) int {
	n := 0
	for _, r := range results {
		if r.Error != "" {
			n++
		}
	}
	return n
}

// probeOne opens rawURL in its own demuxer and describes it.
func probeOne(cfg demux.Config, typ media.Type, rawURL string) ProbeResult {
	d := demux.New(typ, false, cfg)
	defer d.Dispose()

	res := ProbeResult{URL: httpclient.SanitizeURL(rawURL), Session: d.ID()}
	done := observability.Timed(observability.WithSession(logger, d.ID()).With(slog.String("url", res.URL)), "probe")
	err := d.Open(rawURL)
	done(err)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	return describe(d, res)
}

func describe(d *demux.Demuxer, res ProbeResult) ProbeResult {
	res.Format = d.Name()
	res.LongName = d.LongName()
	res.Extension = d.Extension()
	res.Live = d.IsLive()
	res.StartTime = durationOf(d.StartTime())
	res.Duration = durationOf(d.Duration())
	res.Metadata = d.Metadata()

	for _, t := range d.Tracks() {
		pt := ProbeTrack{
			Index:       t.Index,
			ID:          t.ID,
			Type:        t.Type.String(),
			Codec:       t.Codec,
			Language:    t.Language,
			Title:       t.Title,
			Enabled:     t.Enabled(),
			Duration:    durationOf(t.Duration),
			Width:       t.Width,
			Height:      t.Height,
			FPS:         t.FPS,
			PixelFormat: t.PixelFormat,
			SampleRate:  t.SampleRate,
			Channels:    t.Channels,
		}
		if t.Disposition != 0 {
			pt.Disposition = t.Disposition.String()
		}
		res.Tracks = append(res.Tracks, pt)
	}
	for _, p := range d.Programs() {
		pp := ProbeProgram{ID: p.ID, ProgramNumber: p.ProgramNumber, Name: p.Name, Enabled: p.Enabled()}
		for _, t := range p.Tracks {
			pp.Tracks = append(pp.Tracks, t.Index)
		}
		res.Programs = append(res.Programs, pp)
	}
	for _, c := range d.Chapters() {
		res.Chapters = append(res.Chapters, ProbeChapter{Title: c.Title, Start: durationOf(c.Start), End: durationOf(c.End)})
	}
	return res
}

func writeProbe(w io.Writer, format string, results []ProbeResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(results)
	}

	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "Input #%d: %s\n", i, r.URL)
		if r.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
			continue
		}
		dur := "live"
		if !r.Live || r.Duration > 0 {
			dur = r.Duration.String()
		}
		fmt.Fprintf(w, "  format: %s (%s), duration: %s, start: %s\n", r.Format, r.LongName, dur, r.StartTime)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  #\tTYPE\tCODEC\tLANG\tDETAILS\tENABLED")
		for _, t := range r.Tracks {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\t%t\n", t.Index, t.Type, t.Codec, t.Language, trackDetails(t), t.Enabled)
		}
		tw.Flush()

		for _, p := range r.Programs {
			fmt.Fprintf(w, "  program %d (%s): tracks %v\n", p.ProgramNumber, p.Name, p.Tracks)
		}
		for _, c := range r.Chapters {
			fmt.Fprintf(w, "  chapter %s - %s: %s\n", c.Start, c.End, c.Title)
		}
	}
	return nil
}

func trackDetails(t ProbeTrack) string {
	var parts []string
	switch t.Type {
	case "video":
		if t.Width > 0 {
			parts = append(parts, fmt.Sprintf("%dx%d", t.Width, t.Height))
		}
		if t.FPS > 0 {
			parts = append(parts, humanize.FtoaWithDigits(t.FPS, 3)+" fps")
		}
		if t.PixelFormat != "" {
			parts = append(parts, t.PixelFormat)
		}
	case "audio":
		if t.SampleRate > 0 {
			parts = append(parts, humanize.SIWithDigits(float64(t.SampleRate), 1, "Hz"))
		}
		if t.Channels > 0 {
			parts = append(parts, fmt.Sprintf("%dch", t.Channels))
		}
	}
	if t.Disposition != "" {
		parts = append(parts, t.Disposition)
	}
	return strings.Join(parts, ", ")
}
