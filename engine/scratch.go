package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ScratchPool recycles float32 work buffers by power-of-two capacity.
// Buffers come back with stale contents; callers overwrite them.
type ScratchPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// PoolStats tracks one size class
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewScratchPool creates an empty pool
func NewScratchPool() *ScratchPool {
	return &ScratchPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a buffer of length size
func (sp *ScratchPool) Get(size int) []float32 {
	class := sizeClass(size)

	sp.mu.Lock()
	pool, ok := sp.pools[class]
	if !ok {
		pool = &sync.Pool{}
		sp.pools[class] = pool
		sp.stats[class] = &PoolStats{}
	}
	stats := sp.stats[class]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	sp.mu.Unlock()

	if buf, ok := pool.Get().(*[]float32); ok {
		return (*buf)[:size]
	}

	sp.mu.Lock()
	stats.Misses++
	sp.mu.Unlock()
	return make([]float32, size, class)
}

// Put hands buf back. Buffers not obtained from Get are dropped.
func (sp *ScratchPool) Put(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	class := cap(buf)

	sp.mu.Lock()
	pool, ok := sp.pools[class]
	if ok {
		sp.stats[class].Puts++
		sp.stats[class].InUse--
	}
	sp.mu.Unlock()

	if ok {
		buf = buf[:class]
		pool.Put(&buf)
	}
}

// Stats returns a copy of the per-class counters
func (sp *ScratchPool) Stats() map[int]PoolStats {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	out := make(map[int]PoolStats, len(sp.stats))
	for class, s := range sp.stats {
		out[class] = *s
	}
	return out
}

func (sp *ScratchPool) String() string {
	stats := sp.Stats()
	classes := make([]int, 0, len(stats))
	for c := range stats {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	var b strings.Builder
	b.WriteString("ScratchPool Statistics:\n")
	for _, c := range classes {
		s := stats[c]
		hitRate := 0.0
		if s.Gets > 0 {
			hitRate = float64(s.Gets-s.Misses) / float64(s.Gets) * 100
		}
		fmt.Fprintf(&b, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			c, s.Gets, s.Puts, s.InUse, s.MaxInUse, hitRate)
	}
	return b.String()
}

// sizeClass rounds n up to a power of two
func sizeClass(n int) int {
	if n <= 1 {
		return 1
	}
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}

var scratch = NewScratchPool()

// ScratchStats reports how the convolution kernels have used their shared
// im2col buffers
func ScratchStats() map[int]PoolStats {
	return scratch.Stats()
}
