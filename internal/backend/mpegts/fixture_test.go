package mpegts

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/avdemux/internal/testutil"
)

const (
	fixtureVideoPID = testutil.VideoPID
	fixtureAudioPID = testutil.AudioPID
	fixtureFPS      = 25
	fixtureGOP      = 10
	fixtureBase     = int64(90000)
	frameTicks      = testutil.FrameTicks
	aacFrameTicks   = testutil.AACFrameTicks
)

type fixtureOpts struct {
	seconds    int
	audio      bool
	audioFirst bool
}

func writeFixture(t *testing.T, o fixtureOpts) []byte {
	t.Helper()
	data, err := testutil.NewSampleMediaGeneratorWithSeed(1).TransportStream(testutil.TSOptions{
		Frames:     o.seconds * fixtureFPS,
		GOP:        fixtureGOP,
		BasePTS:    fixtureBase,
		Audio:      o.audio,
		AudioFirst: o.audioFirst,
	})
	require.NoError(t, err)
	return data
}

// readerOnly hides io.Seeker so the backend treats the input as live.
type readerOnly struct {
	io.Reader
}
