package wasm

import (
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tetratelabs/wasmrt/internal/logging"
	"github.com/tetratelabs/wasmrt/internal/metrics"
)

// registry holds every object that has not been collected.
var registry = struct {
	sync.Mutex
	objects map[Object]struct{}
}{objects: map[Object]struct{}{}}

func register(o Object) {
	registry.Lock()
	defer registry.Unlock()
	registry.objects[o] = struct{}{}
}

// NumObjects returns the number of objects not yet collected.
func NumObjects() int {
	registry.Lock()
	defer registry.Unlock()
	return len(registry.objects)
}

// collectorBarrier stops the world for CollectGarbage. Guest execution and
// object creation hold it; a collection waits until nothing does.
//
// Holders are preferred over a waiting collection, so a lane may hold it
// more than once, e.g. when a host function called by guest code creates an
// object.
type collectorBarrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	holders    int
	collecting bool
}

var barrier = newCollectorBarrier()

func newCollectorBarrier() *collectorBarrier {
	b := &collectorBarrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *collectorBarrier) hold() {
	b.mu.Lock()
	for b.collecting {
		b.cond.Wait()
	}
	b.holders++
	b.mu.Unlock()
}

func (b *collectorBarrier) unhold() {
	b.mu.Lock()
	if b.holders--; b.holders == 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

func (b *collectorBarrier) stop() {
	b.mu.Lock()
	for b.collecting || b.holders > 0 {
		b.cond.Wait()
	}
	b.collecting = true
	b.mu.Unlock()
}

func (b *collectorBarrier) restart() {
	b.mu.Lock()
	b.collecting = false
	b.cond.Broadcast()
	b.mu.Unlock()
}

// HoldCollector keeps CollectGarbage from running until the returned
// function is called. Use it to create an object and root it without a
// collection in between.
func HoldCollector() (release func()) {
	barrier.hold()
	var once sync.Once
	return func() { once.Do(barrier.unhold) }
}

// GCStats summarizes one collection.
type GCStats struct {
	// Roots is the number of objects with a root.
	Roots int
	// Objects is the number of objects before the collection.
	Objects int
	// Garbage is the number of objects collected.
	Garbage int
	// Duration is how long the world was stopped.
	Duration time.Duration
}

// CollectGarbage frees every object not reachable from an object with a
// root. It waits for guest execution on every lane to finish, so it must not
// be called from guest code or a host function it calls.
func CollectGarbage() GCStats {
	barrier.stop()
	defer barrier.restart()

	start := time.Now()
	garbage, stats := mark()

	for _, o := range garbage {
		o.finalize()
	}
	var errs error
	for _, o := range garbage {
		errs = multierr.Append(errs, o.release())
		metrics.GCCollected.WithLabelValues(o.Kind().String()).Inc()
	}
	stats.Duration = time.Since(start)

	l := logging.Named("gc")
	if errs != nil {
		l.Warn("releasing collected objects", zap.Error(errs))
	}
	l.Debug("collected garbage",
		zap.Int("roots", stats.Roots),
		zap.Int("objects", stats.Objects),
		zap.Int("garbage", stats.Garbage),
		zap.Duration("duration", stats.Duration))
	metrics.GCRuns.Inc()
	metrics.GCDuration.Observe(stats.Duration.Seconds())
	metrics.LiveObjects.Set(float64(stats.Objects - stats.Garbage))
	return stats
}

// mark finds the unreachable objects and removes them from the registry.
func mark() ([]Object, GCStats) {
	registry.Lock()
	defer registry.Unlock()

	stats := GCStats{Objects: len(registry.objects)}
	reachable := make(map[Object]struct{}, len(registry.objects))
	var queue []Object
	for o := range registry.objects {
		if o.header().rootCount.Load() > 0 {
			reachable[o] = struct{}{}
			queue = append(queue, o)
		}
	}
	stats.Roots = len(queue)

	visit := func(child Object) {
		if _, ok := reachable[child]; !ok {
			reachable[child] = struct{}{}
			queue = append(queue, child)
		}
	}
	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]
		o.children(visit)
	}

	var garbage []Object
	for o := range registry.objects {
		if _, ok := reachable[o]; !ok {
			garbage = append(garbage, o)
			delete(registry.objects, o)
		}
	}
	stats.Garbage = len(garbage)
	return garbage, stats
}

// TryCollectCompartment releases h, collects, and returns true if the
// compartment was collected. It returns false if something else still
// reaches it, such as a root on one of its memories.
func TryCollectCompartment(h *Handle[*Compartment]) bool {
	c := h.Get()
	h.Release()
	CollectGarbage()
	return c.finalized.Load()
}
