package lobby

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimersCancelledNeverFire(t *testing.T) {
	timers := NewTimers()
	var fired atomic.Int32

	timers.Schedule("l1", TimerIdle, 20*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, timers.Pending("l1", TimerIdle))
	timers.Cancel("l1", TimerIdle)
	assert.False(t, timers.Pending("l1", TimerIdle))

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestTimersRescheduleReplaces(t *testing.T) {
	timers := NewTimers()
	var first, second atomic.Int32

	timers.Schedule("l1", TimerEmpty, 20*time.Millisecond, func() { first.Add(1) })
	timers.Schedule("l1", TimerEmpty, 40*time.Millisecond, func() { second.Add(1) })

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load())
	assert.False(t, timers.Pending("l1", TimerEmpty))
}

func TestTimersKindsAreIndependent(t *testing.T) {
	timers := NewTimers()
	var idle, empty atomic.Int32

	timers.Schedule("l1", TimerIdle, 20*time.Millisecond, func() { idle.Add(1) })
	timers.Schedule("l1", TimerEmpty, 20*time.Millisecond, func() { empty.Add(1) })
	timers.Cancel("l1", TimerIdle)

	assert.Eventually(t, func() bool { return empty.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, idle.Load())
}

func TestTimersStop(t *testing.T) {
	timers := NewTimers()
	var fired atomic.Int32

	timers.Schedule("l1", TimerIdle, 20*time.Millisecond, func() { fired.Add(1) })
	timers.Stop()
	timers.Schedule("l2", TimerIdle, time.Millisecond, func() { fired.Add(1) })

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, fired.Load())
}
