package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/avdemux/internal/demux"
)

// execute runs the root command with args against a throwaway config file.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "avdemux.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\n"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", path}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--json")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "commit")
}

func TestConfigDump(t *testing.T) {
	out, err := execute(t, "config", "dump")
	require.NoError(t, err)

	var dumped map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &dumped))

	logging, ok := dumped["logging"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "error", logging["level"])

	demuxer, ok := dumped["demuxer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "30s", demuxer["buffer_duration"])
	assert.Contains(t, dumped, "backends")
}

func TestProbeCommand(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "probe", "--output", "json", "--type", "video",
			"fmt://testsrc?&duration=2&audio=1&audio_lang=eng")
		require.NoError(t, err)

		var results []ProbeResult
		require.NoError(t, json.Unmarshal([]byte(out), &results))
		require.Len(t, results, 1)

		r := results[0]
		assert.Empty(t, r.Error)
		assert.Equal(t, "testsrc", r.Format)
		require.NotEmpty(t, r.Tracks)

		types := map[string]bool{}
		for _, tr := range r.Tracks {
			types[tr.Type] = true
		}
		assert.True(t, types["video"])
		assert.True(t, types["audio"])
	})

	t.Run("text with failure", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "missing.ts")
		out, err := execute(t, "probe", "--output", "text",
			"fmt://testsrc?&duration=1", missing)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 2 inputs failed")
		assert.Contains(t, out, "Input #0")
		assert.Contains(t, out, "testsrc")
		assert.Contains(t, out, "error:")
	})

	t.Run("bad output", func(t *testing.T) {
		_, err := execute(t, "probe", "--output", "xml", "fmt://testsrc")
		require.Error(t, err)
	})
}

var summaryLine = regexp.MustCompile(`testsrc: ([\d,]+) packets`)

// packetsRead returns the packet total of a demux summary.
func packetsRead(t *testing.T, out string) int {
	t.Helper()
	m := summaryLine.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	require.NoError(t, err)
	return n
}

func TestDemuxCommand(t *testing.T) {
	// Flag variables outlive a run, so every case sets the ones it relies on.
	t.Run("forward", func(t *testing.T) {
		out, err := execute(t, "demux", "--stats-interval", "0", "--type", "video", "--reverse=false",
			"--all-tracks=false", "fmt://testsrc?&duration=1&audio=1")
		require.NoError(t, err)
		assert.Equal(t, 25+47, packetsRead(t, out))
		assert.Contains(t, out, "#0 video/")
		assert.Contains(t, out, "#1 audio/")
	})

	t.Run("audio session", func(t *testing.T) {
		out, err := execute(t, "demux", "--stats-interval", "0", "--type", "audio", "--reverse=false",
			"--all-tracks=false", "fmt://testsrc?&duration=1&audio=1")
		require.NoError(t, err)
		assert.Positive(t, packetsRead(t, out))
		assert.NotContains(t, out, "video/")
		assert.Contains(t, out, "audio/")
	})

	t.Run("reverse", func(t *testing.T) {
		out, err := execute(t, "demux", "--stats-interval", "0", "--type", "video", "--reverse",
			"--all-tracks=false", "fmt://testsrc?&duration=2&audio=0")
		require.NoError(t, err)
		assert.Positive(t, packetsRead(t, out))
		assert.Contains(t, out, "#0 video/")
	})

	t.Run("read errors", func(t *testing.T) {
		_, err := execute(t, "demux", "--stats-interval", "0", "--type", "video", "--reverse=false",
			"--all-tracks=false", "fmt://testsrc?&duration=1&errors=100")
		require.Error(t, err)
		assert.ErrorIs(t, err, demux.ErrTooManyErrors)
	})
}
