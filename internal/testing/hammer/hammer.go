// Package hammer runs a test body concurrently to shake out races in the
// runtime's locking, such as wait/wake and root counting.
package hammer

import (
	"runtime"
	"sync"
	"testing"
)

// Hammer invokes a test concurrently in P goroutines N times per goroutine.
//
// Here's an example:
//
//	P := 8               // max count of goroutines
//	N := 1000            // work per goroutine
//	if testing.Short() { // Adjust down if `-test.short`
//		P = 4
//		N = 100
//	}
//
//	hammer.NewHammer(t, P, N).Run(func(p, n int) {
//		// p identifies the goroutine, n the iteration.
//	}, nil)
//
//	if t.Failed() {
//		return // At least one test failed, so return now.
//	}
type Hammer interface {
	// Run invokes test concurrently in P goroutines, each looping N times.
	// onRunning, if not nil, runs once all goroutines are started and
	// before any of them calls test.
	Run(test func(p, n int), onRunning func())
}

// NewHammer returns a Hammer of P goroutines doing N iterations each. Size
// them so Run completes in about a tenth of a second.
func NewHammer(t testing.TB, P, N int) Hammer {
	return &hammer{t: t, P: P, N: N}
}

type hammer struct {
	t    testing.TB
	P, N int
}

// Run implements Hammer.Run
func (h *hammer) Run(test func(p, n int), onRunning func()) {
	procs := h.P / 2
	if procs < 1 {
		procs = 1
	}
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(procs)) // Ensure goroutines have to switch cores.

	var started, finished sync.WaitGroup
	release := make(chan struct{})

	started.Add(h.P)
	finished.Add(h.P)
	for p := 0; p < h.P; p++ {
		go func(p int) {
			defer finished.Done()
			defer func() { // Surface require failures and stray panics as test errors.
				if recovered := recover(); recovered != nil {
					h.t.Error(recovered)
				}
			}()
			started.Done()
			<-release
			for n := 0; n < h.N; n++ {
				test(p, n)
			}
		}(p)
	}

	started.Wait()
	if onRunning != nil {
		onRunning()
	}
	close(release) // Start all goroutines at the same time.
	finished.Wait()
}
