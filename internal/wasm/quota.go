package wasm

import (
	"math"
	"sync"
)

// ResourceQuota bounds the memory pages and table elements all memories and
// tables created with it may hold together. It may be shared across
// compartments.
type ResourceQuota struct {
	MemoryPages   QuotaCounter
	TableElements QuotaCounter
}

// NewResourceQuota returns an unlimited quota.
func NewResourceQuota() *ResourceQuota {
	return &ResourceQuota{
		MemoryPages:   QuotaCounter{max: math.MaxUint64},
		TableElements: QuotaCounter{max: math.MaxUint64},
	}
}

// QuotaCounter tracks the current use of one resource against a maximum.
type QuotaCounter struct {
	mu           sync.Mutex
	current, max uint64
}

// Current returns the amount allocated.
func (c *QuotaCounter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Max returns the limit.
func (c *QuotaCounter) Max() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// SetMax changes the limit. Lowering it below Current only fails later
// allocations.
func (c *QuotaCounter) SetMax(max uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.max = max
}

func (c *QuotaCounter) allocate(n uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.max || c.current > c.max-n {
		return false
	}
	c.current += n
	return true
}

func (c *QuotaCounter) free(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.current {
		panic("BUG: freeing more than allocated from a quota")
	}
	c.current -= n
}

func allocateMemoryPages(q *ResourceQuota, n uint64) bool {
	return q == nil || q.MemoryPages.allocate(n)
}

func freeMemoryPages(q *ResourceQuota, n uint64) {
	if q != nil {
		q.MemoryPages.free(n)
	}
}

func allocateTableElements(q *ResourceQuota, n uint64) bool {
	return q == nil || q.TableElements.allocate(n)
}

func freeTableElements(q *ResourceQuota, n uint64) {
	if q != nil {
		q.TableElements.free(n)
	}
}
