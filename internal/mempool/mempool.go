// Package mempool is a size-classed slab allocator. Buffers are served
// from per-class freelists preallocated at startup; class i holds
// buffers of exactly 1<<i bytes. Exhaustion of a limited class is
// surfaced as a nil return, never a panic: the caller owns the policy.
package mempool

import (
	"fmt"
	"math/bits"
	"strings"
)

type class struct {
	size   int
	free   [][]byte
	inUse  int
	limit  int // max buffers in flight; 0 = unlimited
	prealc int
	allocs uint64
	frees  uint64
}

// Pool is the allocator. It is not safe for concurrent use: the daemon
// owns it from the reactor thread only.
type Pool struct {
	classes []class
}

// New builds a pool with len(counts) size classes. counts[i] buffers of
// size 1<<i are preallocated for class i.
func New(counts []int) *Pool {
	p := &Pool{classes: make([]class, len(counts))}
	for i, n := range counts {
		c := &p.classes[i]
		c.size = 1 << i
		c.prealc = n
		c.free = make([][]byte, 0, n)
		for j := 0; j < n; j++ {
			c.free = append(c.free, make([]byte, c.size))
		}
	}
	return p
}

// SetLimit caps the number of in-flight buffers for the class serving
// bufsize. Used by tests to provoke exhaustion.
func (p *Pool) SetLimit(bufsize, limit int) {
	if i := p.classFor(bufsize); i >= 0 {
		p.classes[i].limit = limit
	}
}

// classFor returns the index of the smallest class that fits size,
// or -1 when size exceeds the largest class.
func (p *Pool) classFor(size int) int {
	if size <= 0 {
		return -1
	}
	i := bits.Len(uint(size - 1)) // ceil(log2(size))
	if i >= len(p.classes) {
		return -1
	}
	return i
}

// Alloc returns a buffer of the requested length backed by a
// class-sized slab, or nil when the request cannot be served.
func (p *Pool) Alloc(size int) []byte {
	i := p.classFor(size)
	if i < 0 {
		return nil
	}
	c := &p.classes[i]
	if c.limit > 0 && c.inUse >= c.limit {
		return nil
	}
	var buf []byte
	if n := len(c.free); n > 0 {
		buf = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		buf = make([]byte, c.size)
	}
	c.inUse++
	c.allocs++
	return buf[:size]
}

// Free returns a buffer obtained from Alloc to its class freelist.
// Buffers whose capacity is not a class size are dropped.
func (p *Pool) Free(buf []byte) {
	if buf == nil {
		return
	}
	capacity := cap(buf)
	i := bits.Len(uint(capacity)) - 1
	if i < 0 || i >= len(p.classes) || p.classes[i].size != capacity {
		return
	}
	c := &p.classes[i]
	c.free = append(c.free, buf[:capacity])
	if c.inUse > 0 {
		c.inUse--
	}
	c.frees++
}

// ClassStat is a point-in-time view of one size class.
type ClassStat struct {
	Size         int
	Preallocated int
	InUse        int
	Available    int
	Allocs       uint64
	Frees        uint64
}

// Stats returns per-class statistics in class order.
func (p *Pool) Stats() []ClassStat {
	out := make([]ClassStat, len(p.classes))
	for i := range p.classes {
		c := &p.classes[i]
		out[i] = ClassStat{
			Size:         c.size,
			Preallocated: c.prealc,
			InUse:        c.inUse,
			Available:    len(c.free),
			Allocs:       c.allocs,
			Frees:        c.frees,
		}
	}
	return out
}

// String renders the stats dump printed at shutdown. Classes that were
// never touched are omitted.
func (p *Pool) String() string {
	var b strings.Builder
	b.WriteString("memory pools:\n")
	for _, s := range p.Stats() {
		if s.Preallocated == 0 && s.Allocs == 0 {
			continue
		}
		fmt.Fprintf(&b, "  size %-8d inuse %-6d avail %-6d allocs %-8d frees %d\n",
			s.Size, s.InUse, s.Available, s.Allocs, s.Frees)
	}
	return b.String()
}
