package router

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/workspace/session-router/internal/clock"
)

func TestWatchdog(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	var fired atomic.Int32
	w := newWatchdog(clk, 10*time.Second, func() { fired.Add(1) })

	w.Reset()
	clk.Advance(9 * time.Second)
	w.Reset()
	clk.Advance(9 * time.Second)
	assert.Equal(t, int32(0), fired.Load(), "reset restarts the countdown")

	w.Pause()
	clk.Advance(time.Minute)
	assert.Equal(t, int32(0), fired.Load(), "paused watchdog does not fire")

	w.Reset()
	clk.Advance(time.Minute)
	assert.Equal(t, int32(0), fired.Load(), "reset while paused stays disarmed")

	w.Resume()
	clk.Advance(10 * time.Second)
	assert.Equal(t, int32(1), fired.Load())

	w.Reset()
	clk.Advance(time.Minute)
	assert.Equal(t, int32(1), fired.Load(), "fires at most once")
}

func TestWatchdogStopAndDisabled(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	var fired atomic.Int32

	w := newWatchdog(clk, 10*time.Second, func() { fired.Add(1) })
	w.Reset()
	w.Stop()
	clk.Advance(time.Minute)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, clk.Pending())

	off := newWatchdog(clk, 0, func() { fired.Add(1) })
	off.Reset()
	assert.Equal(t, 0, clk.Pending())
}
