package demux

import (
	"log/slog"
	"sync"

	"github.com/jmylchreest/avdemux/internal/interrupt"
)

// Event is an asynchronous notification raised by the demuxer.
type Event int

// Demuxer events.
const (
	// EventAudioLimit is raised once per open when the audio queue overflows
	// MaxAudioPackets and packets start being dropped.
	EventAudioLimit Event = iota + 1
	// EventTimedOut is raised when a blocking backend call exceeds its deadline.
	EventTimedOut
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventAudioLimit:
		return "audio_limit"
	case EventTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

type eventHub struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(Event)
}

// Subscribe registers fn for every event. Listeners run on their own
// goroutine and must not assume they are called in order. The returned
// function removes the listener.
func (d *Demuxer) Subscribe(fn func(Event)) func() {
	h := &d.events
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listeners == nil {
		h.listeners = make(map[int]func(Event))
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

func (d *Demuxer) emit(e Event) {
	h := &d.events
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	d.logger.Debug("event", slog.String("event", e.String()))
	for _, fn := range fns {
		go fn(e)
	}
}

func (d *Demuxer) onTimeout(interrupt.Kind) {
	d.emit(EventTimedOut)
}
