package demux

import "log/slog"

// Status is the demuxer lifecycle state.
type Status int32

// Demuxer states.
const (
	StatusStopped Status = iota
	StatusOpening
	StatusRunning
	StatusQueueFull
	StatusPausing
	StatusPaused
	StatusStopping
	StatusEnded
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusOpening:
		return "opening"
	case StatusRunning:
		return "running"
	case StatusQueueFull:
		return "queue_full"
	case StatusPausing:
		return "pausing"
	case StatusPaused:
		return "paused"
	case StatusStopping:
		return "stopping"
	case StatusEnded:
		return "ended"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status returns the current state.
func (d *Demuxer) Status() Status {
	return Status(d.status.Load())
}

func (d *Demuxer) setStatus(s Status) {
	d.status.Store(int32(s))
}

// casStatus moves from one state to another if the current state matches.
func (d *Demuxer) casStatus(from, to Status) bool {
	return d.status.CompareAndSwap(int32(from), int32(to))
}

// IsRunning reports whether the read loop goroutine is alive.
func (d *Demuxer) IsRunning() bool {
	return d.running.Load()
}

// Start launches the read loop. It is a no-op while the loop runs or after Dispose.
func (d *Demuxer) Start() {
	d.lockActions.Lock()
	defer d.lockActions.Unlock()

	if d.disposed.Load() || d.running.Load() {
		return
	}

	d.loopErr.Store(nil)
	d.setStatus(StatusRunning)
	done := make(chan struct{})
	d.done = done
	d.running.Store(true)
	go d.run(done)
}

func (d *Demuxer) run(done chan struct{}) {
	defer close(done)
	defer d.running.Store(false)

	d.logger.Debug("read loop started", "reverse", d.isReverse.Load())
	if d.isReverse.Load() {
		d.runReverse()
	} else {
		d.runForward()
	}

	if !d.casStatus(StatusPausing, StatusPaused) {
		d.casStatus(StatusStopping, StatusStopped)
	}
	d.logger.Debug("read loop exited", "status", d.Status().String())
}

// Err returns the error that made the last read loop give up, or nil when
// it ended, was stopped or is still running.
func (d *Demuxer) Err() error {
	if p := d.loopErr.Load(); p != nil {
		return *p
	}
	return nil
}

// fail records err as the reason the read loop stops.
func (d *Demuxer) fail(err error) {
	d.loopErr.Store(&err)
	d.logger.Error("read loop failed", slog.String("error", err.Error()))
	d.setStatus(StatusStopping)
}

// Pause stops the read loop and waits for it to exit, leaving Paused.
func (d *Demuxer) Pause() {
	d.lockActions.Lock()
	defer d.lockActions.Unlock()
	d.pauseLocked()
}

// Stop stops the read loop and waits for it to exit, leaving Stopped.
func (d *Demuxer) Stop() {
	d.lockActions.Lock()
	defer d.lockActions.Unlock()
	d.stopLocked()
}

func (d *Demuxer) stopLocked() {
	d.pauseLocked()
	if d.disposed.Load() {
		return
	}
	d.setStatus(StatusStopped)
}

func (d *Demuxer) pauseLocked() {
	if !d.running.Load() {
		return
	}
	if !d.casStatus(StatusRunning, StatusPausing) {
		d.casStatus(StatusQueueFull, StatusPausing)
	}
	d.interrupter.SetForceInterrupt(true)
	<-d.done
	d.interrupter.SetForceInterrupt(false)
}

// SetPauseOnQueueFull makes the forward loop pause itself the next time
// the queue fills up.
func (d *Demuxer) SetPauseOnQueueFull(v bool) {
	d.pauseOnQueueFull.Store(v)
}
