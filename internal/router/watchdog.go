package router

import (
	"sync"
	"time"

	"github.com/workspace/session-router/internal/clock"
)

// watchdog fires once if it is not reset within the timeout. It is paused
// while the run waits on a human, which has its own timeout.
type watchdog struct {
	clock   clock.Clock
	timeout time.Duration
	fire    func()

	mu      sync.Mutex
	timer   clock.Timer
	seq     uint64
	paused  int
	stopped bool
}

func newWatchdog(clk clock.Clock, timeout time.Duration, fire func()) *watchdog {
	return &watchdog{clock: clk, timeout: timeout, fire: fire}
}

// Reset restarts the countdown.
func (w *watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armLocked()
}

func (w *watchdog) armLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.seq++
	if w.timeout <= 0 || w.stopped || w.paused > 0 {
		return
	}
	seq := w.seq
	w.timer = w.clock.AfterFunc(w.timeout, func() { w.expire(seq) })
}

func (w *watchdog) expire(seq uint64) {
	w.mu.Lock()
	if seq != w.seq || w.stopped || w.paused > 0 {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.timer = nil
	w.mu.Unlock()
	w.fire()
}

// Pause suspends the countdown until the matching Resume.
func (w *watchdog) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.seq++
}

// Resume restarts a full countdown once every Pause is matched.
func (w *watchdog) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused > 0 {
		w.paused--
	}
	if w.paused == 0 {
		w.armLocked()
	}
}

// Stop disarms the watchdog for good.
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.seq++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
