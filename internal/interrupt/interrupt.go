// Package interrupt provides the cooperative cancellation token polled by
// demux backends inside their blocking calls.
package interrupt

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Kind identifies the blocking operation a request was armed for.
type Kind int32

// Request kinds.
const (
	KindNone Kind = iota
	KindOpen
	KindRead
	KindSeek
	KindClose
)

// String returns the request kind name.
func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindRead:
		return "read"
	case KindSeek:
		return "seek"
	case KindClose:
		return "close"
	default:
		return "none"
	}
}

// State is the observable state of the token.
type State int

// Token states.
const (
	StateIdle State = iota
	StateArmed
	StateForced
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateForced:
		return "forced"
	default:
		return "idle"
	}
}

// Timeouts are the per-kind deadlines. Zero disables the deadline for that kind.
type Timeouts struct {
	Open     time.Duration
	Read     time.Duration
	ReadLive time.Duration
	Seek     time.Duration
	Close    time.Duration
}

// DefaultTimeouts returns the default deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Open:     5 * time.Minute,
		Read:     10 * time.Second,
		ReadLive: 20 * time.Second,
		Seek:     8 * time.Second,
		Close:    time.Second,
	}
}

// Config configures an Interrupter.
type Config struct {
	Timeouts Timeouts
	// AllowTimeouts enables deadline based aborts.
	AllowTimeouts bool
	// OnTimeout is called once per request whose deadline expired.
	OnTimeout func(kind Kind)
	Logger    *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Interrupter is armed before every blocking backend call and polled by the
// backend while the call blocks.
type Interrupter struct {
	timeouts Timeouts
	allowTO  bool
	onTO     func(Kind)
	logger   *slog.Logger
	now      func() time.Time

	kind       atomic.Int32
	deadline   atomic.Int64
	force      atomic.Bool
	timedout   atomic.Bool
	live       atomic.Bool
	allowReads atomic.Bool
}

// New creates an idle Interrupter.
func New(cfg Config) *Interrupter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	i := &Interrupter{
		timeouts: cfg.Timeouts,
		allowTO:  cfg.AllowTimeouts,
		onTO:     cfg.OnTimeout,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	i.allowReads.Store(true)
	return i
}

// OpenRequest arms the token for an open call.
func (i *Interrupter) OpenRequest() {
	i.arm(KindOpen, i.timeouts.Open)
}

// ReadRequest arms the token for a read call, using the live deadline for live inputs.
func (i *Interrupter) ReadRequest() {
	d := i.timeouts.Read
	if i.live.Load() {
		d = i.timeouts.ReadLive
	}
	i.arm(KindRead, d)
}

// SeekRequest arms the token for a seek call.
func (i *Interrupter) SeekRequest() {
	i.arm(KindSeek, i.timeouts.Seek)
}

// CloseRequest arms the token for a close call.
func (i *Interrupter) CloseRequest() {
	i.arm(KindClose, i.timeouts.Close)
}

func (i *Interrupter) arm(kind Kind, timeout time.Duration) {
	i.timedout.Store(false)
	var deadline int64
	if i.allowTO && timeout > 0 {
		deadline = i.now().Add(timeout).UnixNano()
	}
	i.deadline.Store(deadline)
	i.kind.Store(int32(kind))
}

// Reset returns the token to idle without touching the force flag.
func (i *Interrupter) Reset() {
	i.kind.Store(int32(KindNone))
	i.deadline.Store(0)
	i.timedout.Store(false)
}

// SetForceInterrupt raises or lowers the force flag. Any goroutine may call it.
func (i *Interrupter) SetForceInterrupt(v bool) {
	i.force.Store(v)
}

// ForceInterrupt reports whether the force flag is raised.
func (i *Interrupter) ForceInterrupt() bool {
	return i.force.Load()
}

// Timedout reports whether the last armed request expired.
func (i *Interrupter) Timedout() bool {
	return i.timedout.Load()
}

// Kind returns the kind of the currently armed request.
func (i *Interrupter) Kind() Kind {
	return Kind(i.kind.Load())
}

// State returns the token state.
func (i *Interrupter) State() State {
	if i.force.Load() {
		return StateForced
	}
	if Kind(i.kind.Load()) != KindNone {
		return StateArmed
	}
	return StateIdle
}

// SetLive selects the live read deadline.
func (i *Interrupter) SetLive(live bool) {
	i.live.Store(live)
}

// SetAllowReadInterrupts controls whether the force flag aborts read calls.
// Deadlines still apply.
func (i *Interrupter) SetAllowReadInterrupts(allow bool) {
	i.allowReads.Store(allow)
}

// AllowReadInterrupts reports the read interrupt policy.
func (i *Interrupter) AllowReadInterrupts() bool {
	return i.allowReads.Load()
}

// Interrupted implements media.Interrupt.
func (i *Interrupter) Interrupted() bool {
	kind := Kind(i.kind.Load())

	if i.force.Load() && (kind != KindRead || i.allowReads.Load()) {
		return true
	}

	deadline := i.deadline.Load()
	if deadline == 0 || i.now().UnixNano() < deadline {
		return false
	}

	if !i.timedout.Swap(true) {
		i.logger.Warn("blocking call timed out", slog.String("request", kind.String()))
		if i.onTO != nil {
			i.onTO(kind)
		}
	}
	return true
}
