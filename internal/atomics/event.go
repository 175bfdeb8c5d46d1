package atomics

import (
	"time"

	"github.com/tetratelabs/wasmrt/internal/platform"
)

// Event is a reusable wake handle owned by one waiting lane. At most one
// wakeup is pending at a time.
type Event struct {
	ch chan struct{}
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{}, 1)}
}

// Signal makes one pending wakeup available. A second Signal before the
// wakeup is consumed has no effect.
func (e *Event) Signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until a wakeup is consumed or the deadline passes. It returns
// false on timeout.
func (e *Event) Wait(deadline Deadline) bool {
	if deadline.infinite {
		<-e.ch
		return true
	}
	remaining := deadline.Remaining()
	if remaining <= 0 {
		return e.TryConsume()
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-e.ch:
		return true
	case <-timer.C:
		return false
	}
}

// TryConsume consumes a pending wakeup without blocking.
func (e *Event) TryConsume() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Deadline is an absolute point on the monotonic clock, or Infinite.
type Deadline struct {
	nanotime int64
	infinite bool
}

// Infinite never passes.
var Infinite = Deadline{infinite: true}

// DeadlineAt returns the deadline at platform.Nanotime value nanotime.
func DeadlineAt(nanotime int64) Deadline {
	return Deadline{nanotime: nanotime}
}

// DeadlineFromTimeout converts a relative timeout in nanoseconds, as passed
// to the wait instructions, to a deadline. A negative timeout is Infinite.
func DeadlineFromTimeout(timeoutNanos int64) Deadline {
	if timeoutNanos < 0 {
		return Infinite
	}
	return Deadline{nanotime: platform.Nanotime() + timeoutNanos}
}

// IsInfinite returns true for Infinite.
func (d Deadline) IsInfinite() bool {
	return d.infinite
}

// Remaining returns the time left until the deadline, which is not positive
// once it has passed.
func (d Deadline) Remaining() time.Duration {
	return time.Duration(d.nanotime - platform.Nanotime())
}
