// Package mempool holds the allocators behind the kernel's byte and block
// pools. Neither allocator locks; the kernel serialises every call.
package mempool

import (
	"github.com/emirpasic/gods/maps/treemap"
)

// Align is the allocation granule of byte pools and the rounding unit of
// block sizes.
const Align = 8

// span records one live allocation inside a byte region.
type span struct {
	off  int // offset into the region
	size int // reserved bytes, a multiple of Align
	n    int // bytes requested by the caller
}

// ByteStats is a snapshot of a byte allocator.
type ByteStats struct {
	Size        int // usable region bytes
	Available   int // free bytes, summed over all fragments
	Fragments   int // number of free fragments
	Largest     int // largest single free fragment
	Allocations int // live allocations
}

// Byte is a first-fit variable size allocator over a caller-owned region.
// Free space is kept in an offset-ordered map so that a freed span can be
// merged with both neighbours.
type Byte struct {
	region []byte
	free   *treemap.Map // offset -> size
	used   map[*byte]*span
	avail  int
}

// NewByte manages region. The tail that does not fill a whole granule is
// never handed out.
func NewByte(region []byte) *Byte {
	usable := len(region) / Align * Align
	b := &Byte{
		region: region[:usable:usable],
		free:   treemap.NewWithIntComparator(),
		used:   make(map[*byte]*span),
	}
	if usable > 0 {
		b.free.Put(0, usable)
		b.avail = usable
	}
	return b
}

// Alloc reserves n bytes. The returned slice has length n and capacity
// rounded up to Align.
func (b *Byte) Alloc(n int) ([]byte, bool) {
	if n <= 0 {
		return nil, false
	}
	need := roundUp(n)

	it := b.free.Iterator()
	for it.Next() {
		off, size := it.Key().(int), it.Value().(int)
		if size < need {
			continue
		}
		b.free.Remove(off)
		if size > need {
			b.free.Put(off+need, size-need)
		}
		b.avail -= need
		sp := &span{off: off, size: need, n: n}
		b.used[&b.region[off]] = sp
		return b.slice(sp), true
	}
	return nil, false
}

// Free returns an allocation made by Alloc or Realloc. It reports false for
// memory this allocator does not own, including double frees.
func (b *Byte) Free(buf []byte) bool {
	sp, ok := b.lookup(buf)
	if !ok {
		return false
	}
	delete(b.used, &b.region[sp.off])
	b.release(sp.off, sp.size)
	return true
}

// Realloc resizes an allocation, in place when the span or its right
// neighbour allows it and by moving otherwise. Content is preserved up to
// the lesser of the old and new sizes. On failure the old allocation is
// left untouched.
func (b *Byte) Realloc(buf []byte, n int) ([]byte, bool) {
	if cap(buf) == 0 {
		return b.Alloc(n)
	}
	sp, ok := b.lookup(buf)
	if !ok || n <= 0 {
		return nil, false
	}
	need := roundUp(n)

	switch {
	case need <= sp.size:
		if need < sp.size {
			b.release(sp.off+need, sp.size-need)
			sp.size = need
		}
		sp.n = n
		return b.slice(sp), true
	default:
		next := sp.off + sp.size
		if v, found := b.free.Get(next); found && sp.size+v.(int) >= need {
			size := v.(int)
			b.free.Remove(next)
			b.avail -= size
			if rest := sp.size + size - need; rest > 0 {
				b.free.Put(sp.off+need, rest)
				b.avail += rest
			}
			sp.size = need
			sp.n = n
			return b.slice(sp), true
		}
	}

	moved, ok := b.Alloc(n)
	if !ok {
		return nil, false
	}
	copy(moved, b.region[sp.off:sp.off+min(sp.n, n)])
	b.Free(buf)
	return moved, true
}

// Owns reports whether buf is a live allocation of this allocator.
func (b *Byte) Owns(buf []byte) bool {
	_, ok := b.lookup(buf)
	return ok
}

// SizeOf returns the requested length of a live allocation, or zero.
func (b *Byte) SizeOf(buf []byte) int {
	if sp, ok := b.lookup(buf); ok {
		return sp.n
	}
	return 0
}

// Fits reports whether an allocation of n bytes would currently succeed.
func (b *Byte) Fits(n int) bool {
	if n <= 0 {
		return false
	}
	return b.Stats().Largest >= roundUp(n)
}

// Stats returns the allocator's current bookkeeping.
func (b *Byte) Stats() ByteStats {
	st := ByteStats{
		Size:        len(b.region),
		Available:   b.avail,
		Fragments:   b.free.Size(),
		Allocations: len(b.used),
	}
	it := b.free.Iterator()
	for it.Next() {
		if size := it.Value().(int); size > st.Largest {
			st.Largest = size
		}
	}
	return st
}

// lookup resolves buf to its live span. The capacity must match the span
// and the length must not exceed the request, so a stale slice of an older
// allocation at the same address does not resolve.
func (b *Byte) lookup(buf []byte) (*span, bool) {
	if cap(buf) == 0 {
		return nil, false
	}
	sp, ok := b.used[&buf[:1][0]]
	if !ok || cap(buf) != sp.size || len(buf) > sp.n {
		return nil, false
	}
	return sp, true
}

func (b *Byte) slice(sp *span) []byte {
	return b.region[sp.off : sp.off+sp.n : sp.off+sp.size]
}

// release puts [off, off+size) back on the free map, merging it with the
// fragments that touch it on either side.
func (b *Byte) release(off, size int) {
	b.avail += size
	if k, v := b.free.Floor(off); k != nil && k.(int)+v.(int) == off {
		b.free.Remove(k)
		off = k.(int)
		size += v.(int)
	}
	if v, found := b.free.Get(off + size); found {
		b.free.Remove(off + size)
		size += v.(int)
	}
	b.free.Put(off, size)
}

func roundUp(n int) int {
	return (n + Align - 1) / Align * Align
}
