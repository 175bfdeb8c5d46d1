// Package guardedmem backs wazero linear memories with guarded regions, so
// that hosts running modules under wazero get the same reservation and
// guard layout as memories created by this runtime.
//
// A memory is reserved once for its maximum size and committed as it grows,
// so its address never changes. That makes it suitable for shared memories.
package guardedmem

import (
	"sync"

	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/tetratelabs/wasmrt/internal/logging"
	"github.com/tetratelabs/wasmrt/internal/metrics"
	"github.com/tetratelabs/wasmrt/internal/platform"
)

// NewAllocator returns an allocator reserving guardBytes of guard pages
// after every memory. Use it with experimental.WithMemoryAllocator.
func NewAllocator(guardBytes uint64) experimental.MemoryAllocator {
	return experimental.MemoryAllocatorFunc(func(cap, max uint64) experimental.LinearMemory {
		usable := platform.AlignUp(max, platform.PageSize())
		m := &linearMemory{}
		region, err := platform.Reserve(usable, platform.AlignUp(guardBytes, platform.PageSize()), platform.RegionKindMemory, m)
		if err != nil {
			logging.Named("guardedmem").Warn("reserving linear memory",
				zap.Uint64("max", max), zap.Uint64("guard", guardBytes), zap.Error(err))
			return nil
		}
		m.region = region
		if cap > 0 && m.Reallocate(cap) == nil {
			m.Free()
			return nil
		}
		return m
	})
}

type linearMemory struct {
	mu        sync.Mutex
	region    *platform.Region
	committed uint64
	freed     bool
}

// Reallocate implements experimental.LinearMemory.Reallocate
func (m *linearMemory) Reallocate(size uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed || size > m.region.Usable() {
		return nil
	}
	if size > m.committed {
		to := platform.AlignUp(size, platform.PageSize())
		if err := m.region.Commit(m.committed, to); err != nil {
			logging.Named("guardedmem").Warn("growing linear memory",
				zap.Uint64("bytes", size), zap.Error(err))
			return nil
		}
		metrics.CommittedBytes.WithLabelValues(platform.RegionKindMemory.String()).Add(float64(to - m.committed))
		m.committed = to
	}
	return m.region.Slice(0, size)
}

// Free implements experimental.LinearMemory.Free
func (m *linearMemory) Free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return
	}
	m.freed = true
	metrics.CommittedBytes.WithLabelValues(platform.RegionKindMemory.String()).Sub(float64(m.committed))
	if err := m.region.Release(); err != nil {
		logging.Named("guardedmem").Warn("releasing linear memory", zap.Error(err))
	}
}
