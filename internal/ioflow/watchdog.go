package ioflow

import "time"

// Watchdog turns a stalled transfer into a cancellation. Progress
// callbacks re-arm it; if no progress happens within the window, the
// expire function runs once.
type Watchdog struct {
	d     time.Duration
	timer *time.Timer
}

// NewWatchdog arms a watchdog that calls expire when Touch has not been
// called for d. A non-positive d disables it, making Touch and Stop no-ops.
func NewWatchdog(d time.Duration, expire func()) *Watchdog {
	w := &Watchdog{d: d}
	if d > 0 {
		w.timer = time.AfterFunc(d, expire)
	}
	return w
}

// Touch resets the idle countdown. It is safe to call concurrently.
func (w *Watchdog) Touch() {
	if w.timer != nil {
		w.timer.Reset(w.d)
	}
}

// Stop disarms the watchdog. It does not wait for an in-flight expire
// call to return.
func (w *Watchdog) Stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
