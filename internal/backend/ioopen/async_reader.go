package ioopen

import (
	"io"
	"sync"
	"time"

	"github.com/jmylchreest/avdemux/internal/media"
)

const (
	asyncChunkSize = 32 * 1024
	asyncChunks    = 16
)

type chunk struct {
	data []byte
	err  error
}

// asyncReader reads src on a goroutine so Read can give up on an interrupt
// while the transfer keeps going. Data read after an interrupted Read is
// returned by the next one.
type asyncReader struct {
	src  io.ReadCloser
	intr media.Interrupt

	chunks  chan chunk
	closed  chan struct{}
	once    sync.Once
	pending []byte
	err     error
}

func newAsyncReader(src io.ReadCloser, intr media.Interrupt) *asyncReader {
	r := &asyncReader{
		src:    src,
		intr:   intr,
		chunks: make(chan chunk, asyncChunks),
		closed: make(chan struct{}),
	}
	go r.pump()
	return r
}

func (r *asyncReader) pump() {
	for {
		buf := make([]byte, asyncChunkSize)
		n, err := r.src.Read(buf)
		if n > 0 {
			select {
			case r.chunks <- chunk{data: buf[:n]}:
			case <-r.closed:
				return
			}
		}
		if err != nil {
			select {
			case r.chunks <- chunk{err: err}:
			case <-r.closed:
			}
			return
		}
	}
}

func (r *asyncReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		c, err := r.next()
		if err != nil {
			return 0, err
		}
		if c.err != nil {
			r.err = c.err
			return 0, c.err
		}
		r.pending = c.data
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *asyncReader) next() (chunk, error) {
	if r.intr == nil {
		select {
		case c := <-r.chunks:
			return c, nil
		case <-r.closed:
			return chunk{}, io.ErrClosedPipe
		}
	}

	ticker := time.NewTicker(interruptPoll)
	defer ticker.Stop()
	for {
		select {
		case c := <-r.chunks:
			return c, nil
		case <-r.closed:
			return chunk{}, io.ErrClosedPipe
		case <-ticker.C:
			if r.intr.Interrupted() {
				return chunk{}, media.ErrExit
			}
		}
	}
}

func (r *asyncReader) Close() error {
	var err error
	r.once.Do(func() {
		close(r.closed)
		err = r.src.Close()
	})
	return err
}
