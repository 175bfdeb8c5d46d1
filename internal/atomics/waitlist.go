// Package atomics implements the wait and notify side of shared-memory
// atomics: a process-wide map from address to the lanes parked on it.
package atomics

import (
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tetratelabs/wasmrt/internal/metrics"
)

// WaitResult is the value returned to the guest by the wait instructions.
type WaitResult uint32

const (
	WaitWoken    WaitResult = 0
	WaitNotEqual WaitResult = 1
	WaitTimedOut WaitResult = 2
)

func (r WaitResult) String() string {
	switch r {
	case WaitWoken:
		return "woken"
	case WaitNotEqual:
		return "not-equal"
	case WaitTimedOut:
		return "timed-out"
	}
	return "unknown"
}

// WakeAll wakes every waiter when passed as the count to Wake.
const WakeAll = math.MaxUint32

// waitList holds the events of the lanes parked on one address, oldest first.
// It is in waitLists exactly while refs > 0.
type waitList struct {
	mu      sync.Mutex
	waiters []*Event
	refs    int
}

var (
	// waitListsMu guards waitLists and every waitList.refs.
	waitListsMu sync.Mutex
	waitLists   = map[uintptr]*waitList{}
)

func openWaitList(addr uintptr, create bool) *waitList {
	waitListsMu.Lock()
	defer waitListsMu.Unlock()
	l, ok := waitLists[addr]
	if !ok {
		if !create {
			return nil
		}
		l = &waitList{}
		waitLists[addr] = l
	}
	l.refs++
	return l
}

func closeWaitList(addr uintptr, l *waitList) {
	waitListsMu.Lock()
	defer waitListsMu.Unlock()
	if l.refs--; l.refs == 0 {
		delete(waitLists, addr)
	}
}

// NumWaitLists returns the number of addresses with an open wait list.
func NumWaitLists() int {
	waitListsMu.Lock()
	defer waitListsMu.Unlock()
	return len(waitLists)
}

// Wait32 parks the lane owning ev until a Wake on ptr, or the deadline. It
// returns WaitNotEqual without parking if *ptr != expected. ptr must be
// aligned and inside committed memory.
func Wait32(ev *Event, ptr *uint32, expected uint32, deadline Deadline) WaitResult {
	return wait(ev, uintptr(unsafe.Pointer(ptr)), func() bool { return atomic.LoadUint32(ptr) == expected }, deadline)
}

// Wait64 is the 64-bit form of Wait32.
func Wait64(ev *Event, ptr *uint64, expected uint64, deadline Deadline) WaitResult {
	return wait(ev, uintptr(unsafe.Pointer(ptr)), func() bool { return atomic.LoadUint64(ptr) == expected }, deadline)
}

func wait(ev *Event, addr uintptr, equal func() bool, deadline Deadline) WaitResult {
	l := openWaitList(addr, true)
	defer closeWaitList(addr, l)

	if !l.park(ev, equal) {
		return done(WaitNotEqual)
	}
	if ev.Wait(deadline) {
		return done(WaitWoken)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w == ev {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return done(WaitTimedOut)
		}
	}
	// A waker removed ev after the timer fired, and signals under the list
	// lock, so the wakeup is already pending.
	if !ev.TryConsume() {
		panic("BUG: waiter claimed without a pending wakeup")
	}
	return done(WaitWoken)
}

// park appends ev to the waiters if equal holds. The value is compared under
// the list lock, so a store followed by Wake can't fall between the comparison
// and parking. equal reads guest memory and may fault.
func (l *waitList) park(ev *Event, equal func() bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !equal() {
		return false
	}
	l.waiters = append(l.waiters, ev)
	return true
}

func done(r WaitResult) WaitResult {
	metrics.AtomicWaits.WithLabelValues(r.String()).Inc()
	return r
}

// Wake wakes up to count of the oldest waiters on addr and returns how many
// were woken.
func Wake(addr uintptr, count uint32) uint32 {
	if count == 0 {
		return 0
	}
	l := openWaitList(addr, false)
	if l == nil {
		return 0
	}
	defer closeWaitList(addr, l)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := uint32(len(l.waiters))
	if count < n {
		n = count
	}
	for _, ev := range l.waiters[:n] {
		ev.Signal()
	}
	l.waiters = append(l.waiters[:0], l.waiters[n:]...)
	metrics.AtomicWakes.Add(float64(n))
	return n
}
