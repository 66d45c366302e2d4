package mpegts

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/avdemux/internal/media"
)

const (
	pumpDepth     = 64
	interruptPoll = 5 * time.Millisecond
)

type pumped struct {
	frame Frame
	err   error
}

// Pump runs a Decoder on its own goroutine so a reader blocked on the network
// can still honour an interrupt without losing data.
type Pump struct {
	dec  *Decoder
	pos  func() int64
	out  chan pumped
	stop chan struct{}
	done chan struct{}
	err  error
}

// NewPump starts decoding dec. pos, when set, reports the source offset
// stamped on each frame.
func NewPump(dec *Decoder, pos func() int64) *Pump {
	p := &Pump{
		dec:  dec,
		pos:  pos,
		out:  make(chan pumped, pumpDepth),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Pump) run() {
	defer close(p.done)
	for {
		f, err := p.dec.Next()
		if err == nil && p.pos != nil {
			f.Pos = p.pos()
		}
		select {
		case p.out <- pumped{frame: f, err: err}:
		case <-p.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next frame. It returns media.ErrExit when intr fires
// first; the frame is kept for the following call.
func (p *Pump) Next(intr media.Interrupt) (Frame, error) {
	if p.err != nil {
		return Frame{}, p.err
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	if intr != nil {
		ticker = time.NewTicker(interruptPoll)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case r := <-p.out:
			if r.err != nil {
				p.err = normalizeEOF(r.err)
				return Frame{}, p.err
			}
			return r.frame, nil
		case <-tick:
			if intr.Interrupted() {
				return Frame{}, media.ErrExit
			}
		}
	}
}

// Halt stops the goroutine and waits for it. The decoder's source must not
// block forever, or must be closed first.
func (p *Pump) Halt() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

func normalizeEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return io.EOF
	}
	return err
}

// exitRetryReader hides media.ErrExit from the decoder: an interrupted read
// is retried until the source is closed, so the TS parser never loses sync.
type exitRetryReader struct {
	r      io.Reader
	closed *atomic.Bool
}

func (r *exitRetryReader) Read(p []byte) (int, error) {
	for {
		n, err := r.r.Read(p)
		if n > 0 || !errors.Is(err, media.ErrExit) {
			return n, err
		}
		if r.closed.Load() {
			return 0, io.ErrClosedPipe
		}
		time.Sleep(interruptPoll)
	}
}

// countingReader counts the bytes read from the underlying source.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
