package mempool

import (
	"github.com/emirpasic/gods/stacks/arraystack"
)

// BlockStats is a snapshot of a block allocator.
type BlockStats struct {
	BlockSize int
	Total     int
	Available int
}

// Block hands out fixed size blocks from a caller-owned region. Alloc and
// Free are O(1).
type Block struct {
	region []byte
	size   int
	free   *arraystack.Stack // block indexes
	index  map[*byte]int
	inUse  []bool
}

// NewBlock carves region into blocks of blockSize bytes, rounded up to Align.
func NewBlock(region []byte, blockSize int) *Block {
	size := roundUp(max(blockSize, 1))
	count := len(region) / size
	b := &Block{
		region: region,
		size:   size,
		free:   arraystack.New(),
		index:  make(map[*byte]int, count),
		inUse:  make([]bool, count),
	}
	for i := count - 1; i >= 0; i-- {
		b.free.Push(i)
		b.index[&region[i*size]] = i
	}
	return b
}

// BlockSize returns the rounded block size.
func (b *Block) BlockSize() int { return b.size }

// Alloc pops a free block.
func (b *Block) Alloc() ([]byte, bool) {
	v, ok := b.free.Pop()
	if !ok {
		return nil, false
	}
	i := v.(int)
	b.inUse[i] = true
	off := i * b.size
	return b.region[off : off+b.size : off+b.size], true
}

// Free returns a block. It reports false for foreign memory and double frees.
func (b *Block) Free(buf []byte) bool {
	i, ok := b.indexOf(buf)
	if !ok || !b.inUse[i] {
		return false
	}
	b.inUse[i] = false
	b.free.Push(i)
	return true
}

// Owns reports whether buf is a block of this allocator that is in use.
func (b *Block) Owns(buf []byte) bool {
	i, ok := b.indexOf(buf)
	return ok && b.inUse[i]
}

// Stats returns the allocator's current bookkeeping.
func (b *Block) Stats() BlockStats {
	return BlockStats{
		BlockSize: b.size,
		Total:     len(b.inUse),
		Available: b.free.Size(),
	}
}

func (b *Block) indexOf(buf []byte) (int, bool) {
	if cap(buf) == 0 {
		return 0, false
	}
	i, ok := b.index[&buf[:1][0]]
	return i, ok
}
