package kernel

import (
	"context"
	"fmt"
	"slices"

	"rtkern/internal/mempool"

	"go.uber.org/zap"
)

type bytePoolCB struct {
	header
	alloc    *mempool.Byte
	region   []byte
	fromHeap bool // region was carved from the kernel heap
	waiters  *waitQueue
}

// BytePool is a handle to a variable-size memory pool.
type BytePool struct {
	k *Kernel
	h Handle
}

// BytePoolInfo is a snapshot of a byte pool.
type BytePoolInfo struct {
	Name        string
	Alias       string
	Size        int
	Available   int
	Fragments   int
	Largest     int
	Allocations int
	Waiting     int
}

func (p *BytePool) Handle() Handle { return p.h }
func (p *BytePool) Kind() Kind     { return KindBytePool }

func (p *BytePool) Name() string {
	info, _ := p.Info()
	return info.Name
}

// newBytePoolCB registers a byte pool over region. Called with k.mu held,
// or before the kernel is shared.
func (k *Kernel) newBytePoolCB(name, alias string, region []byte, fromHeap bool) (*bytePoolCB, error) {
	alloc := mempool.NewByte(region)
	if alloc.Stats().Size == 0 {
		return nil, fmt.Errorf("%w: byte pool of %d bytes", ErrInvalidArgument, len(region))
	}
	cb := &bytePoolCB{
		header:   header{kind: KindBytePool, name: name, alias: alias},
		alloc:    alloc,
		region:   region,
		fromHeap: fromHeap,
		waiters:  newWaitQueue(),
	}
	k.objects.put(cb)
	return cb, nil
}

// byteContext rejects byte pool calls from interrupt and timer-service
// context once the kernel runs.
func (k *Kernel) byteContext(c caller) error {
	if c.kind == execTimer || (c.kind == execISR && k.started) {
		return fmt.Errorf("%w: byte pools are task-level only", ErrCallerContext)
	}
	return nil
}

// NewBytePool creates a byte pool from a KindBytePool builder and consumes
// the builder. The region is either supplied as Storage or PoolSize bytes
// carved from the kernel heap.
func (k *Kernel) NewBytePool(ctx context.Context, a *Attr) (*BytePool, error) {
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return nil, c.err
	}
	if err := k.byteContext(c); err != nil {
		return nil, err
	}
	if err := k.checkAttr(a, KindBytePool); err != nil {
		return nil, err
	}

	name, alias := attrValue(a, FieldName, ""), attrValue(a, FieldAlias, "")
	storage := attrValue[[]byte](a, FieldStorage, nil)
	size := attrValue(a, FieldPoolSize, 0)
	if (storage == nil) == (size == 0) {
		return nil, fmt.Errorf("%w: byte pool takes a pool size or storage", ErrInvalidArgument)
	}

	fromHeap := storage == nil
	if fromHeap {
		region, ok := k.heap.alloc.Alloc(size)
		if !ok {
			return nil, fmt.Errorf("%w: %d bytes for byte pool %s", ErrNoMemory, size, name)
		}
		storage = region
	}
	cb, err := k.newBytePoolCB(name, alias, storage, fromHeap)
	if err != nil {
		if fromHeap {
			k.heap.alloc.Free(storage)
		}
		return nil, err
	}
	k.retireAttr(a)
	k.emit(EventCreate, nil, cb.label(), "byte-pool")
	return &BytePool{k: k, h: cb.handle}, nil
}

// Allocate reserves size bytes, blocking while no free fragment is large
// enough.
func (p *BytePool) Allocate(ctx context.Context, size int, timeout Ticks) ([]byte, error) {
	k := p.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return nil, c.err
	}
	if err := k.byteContext(c); err != nil {
		return nil, err
	}
	cb, err := lookup[*bytePoolCB](k, p.h)
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > cb.alloc.Stats().Size {
		return nil, fmt.Errorf("%w: %d bytes from %s", ErrInvalidArgument, size, cb.label())
	}
	if mem, ok := cb.alloc.Alloc(size); ok {
		return mem, nil
	}
	if timeout == NoWait {
		return nil, fmt.Errorf("%w: %d bytes from %s", ErrNoMemory, size, cb.label())
	}
	if !c.isTask() {
		return nil, fmt.Errorf("%w: byte pool %s", ErrWaitContext, cb.label())
	}
	w := &waiter{queue: cb.waiters, object: cb.label(), size: size}
	if err := k.block(c.t, StateWaiting, w, timeout); err != nil {
		return nil, err
	}
	return w.mem, nil
}

// Free returns memory obtained from this pool.
func (p *BytePool) Free(ctx context.Context, buf []byte) error {
	k := p.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	if err := k.byteContext(c); err != nil {
		return err
	}
	cb, err := lookup[*bytePoolCB](k, p.h)
	if err != nil {
		return err
	}
	if !cb.alloc.Free(buf) {
		return fmt.Errorf("%w: buffer not allocated from %s", ErrInvalidArgument, cb.label())
	}
	k.wakePoolWaiters(cb)
	return nil
}

// Prioritize moves the most urgent waiter to the head of the queue.
func (p *BytePool) Prioritize(ctx context.Context) error {
	k := p.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	cb, err := lookup[*bytePoolCB](k, p.h)
	if err != nil {
		return err
	}
	cb.waiters.prioritize()
	return nil
}

// Info returns a snapshot of the pool.
func (p *BytePool) Info() (BytePoolInfo, error) {
	k := p.k
	k.mu.Lock()
	defer k.mu.Unlock()
	cb, err := lookup[*bytePoolCB](k, p.h)
	if err != nil {
		return BytePoolInfo{}, err
	}
	st := cb.alloc.Stats()
	return BytePoolInfo{
		Name:        cb.name,
		Alias:       cb.alias,
		Size:        st.Size,
		Available:   st.Available,
		Fragments:   st.Fragments,
		Largest:     st.Largest,
		Allocations: st.Allocations,
		Waiting:     cb.waiters.len(),
	}, nil
}

// Delete destroys the pool; waiters wake with ErrDeleted and a heap-backed
// region goes back to the heap. The kernel heap itself cannot be deleted.
func (p *BytePool) Delete(ctx context.Context) error {
	k := p.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	if err := k.byteContext(c); err != nil {
		return err
	}
	cb, err := lookup[*bytePoolCB](k, p.h)
	if err != nil {
		return err
	}
	if cb == k.heap {
		return fmt.Errorf("%w: the kernel heap cannot be deleted", ErrInvalidArgument)
	}
	k.wakeAll(cb.waiters, ErrDeleted)
	if live := cb.alloc.Stats().Allocations; live > 0 {
		k.log.Warn("byte pool deleted with live allocations",
			zap.String("pool", cb.label()), zap.Int("allocations", live))
	}
	if cb.fromHeap {
		k.heap.alloc.Free(cb.region)
		k.wakePoolWaiters(k.heap)
	}
	k.objects.release(cb.handle)
	k.emit(EventDelete, nil, cb.label(), "byte-pool")
	return nil
}

// wakePoolWaiters satisfies, in queue order, every blocked request that now
// fits. Called with k.mu held.
func (k *Kernel) wakePoolWaiters(cb *bytePoolCB) {
	for _, t := range cb.waiters.tasks() {
		w := t.wait
		if !cb.alloc.Fits(w.size) {
			continue
		}
		w.mem, _ = cb.alloc.Alloc(w.size)
		k.resume(t, nil)
	}
}

// Realloc resizes buf, which must come from a live byte pool or the kernel
// heap, into pool (the kernel heap when pool is nil). Content is kept up to
// the lesser of the old and new sizes. A nil buf behaves as an allocation.
// On failure buf is left untouched.
func (k *Kernel) Realloc(ctx context.Context, pool *BytePool, buf []byte, size int) ([]byte, error) {
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return nil, c.err
	}
	if err := k.byteContext(c); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: realloc to %d bytes", ErrInvalidArgument, size)
	}
	target := k.heap
	if pool != nil {
		cb, err := lookup[*bytePoolCB](k, pool.h)
		if err != nil {
			return nil, err
		}
		target = cb
	}

	if cap(buf) == 0 {
		mem, ok := target.alloc.Alloc(size)
		if !ok {
			return nil, fmt.Errorf("%w: %d bytes from %s", ErrNoMemory, size, target.label())
		}
		return mem, nil
	}

	owner := k.ownerOf(buf)
	if owner == nil {
		return nil, fmt.Errorf("%w: buffer not allocated from any byte pool", ErrInvalidArgument)
	}

	if owner == target {
		mem, ok := owner.alloc.Realloc(buf, size)
		if !ok {
			return nil, fmt.Errorf("%w: grow to %d bytes in %s", ErrNoMemory, size, owner.label())
		}
		k.wakePoolWaiters(owner)
		return mem, nil
	}

	mem, ok := target.alloc.Alloc(size)
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes from %s", ErrNoMemory, size, target.label())
	}
	copy(mem, buf[:min(owner.alloc.SizeOf(buf), size)])
	owner.alloc.Free(buf)
	k.wakePoolWaiters(owner)
	return mem, nil
}

// ownerOf finds the byte pool buf was allocated from. A pool region carved
// from another pool is a live allocation there that starts where the inner
// pool's first allocation does, so that outer match is skipped.
func (k *Kernel) ownerOf(buf []byte) *bytePoolCB {
	type region struct {
		pool controlBlock
		mem  []byte
	}
	var matches []*bytePoolCB
	var regions []region
	k.objects.each(func(cb controlBlock) {
		switch p := cb.(type) {
		case *bytePoolCB:
			if p.alloc.Owns(buf) {
				matches = append(matches, p)
			}
			regions = append(regions, region{p, p.region})
		case *blockPoolCB:
			regions = append(regions, region{p, p.region})
		}
	})
	start := &buf[:1][0]
	for _, m := range matches {
		carved := slices.ContainsFunc(regions, func(r region) bool {
			return r.pool != controlBlock(m) && len(r.mem) > 0 && &r.mem[0] == start && m.alloc.Owns(r.mem)
		})
		if !carved {
			return m
		}
	}
	return nil
}

type blockPoolCB struct {
	header
	alloc    *mempool.Block
	region   []byte
	fromHeap bool
	waiters  *waitQueue
}

// BlockPool is a handle to a fixed-size block pool.
type BlockPool struct {
	k *Kernel
	h Handle
}

// BlockPoolInfo is a snapshot of a block pool.
type BlockPoolInfo struct {
	Name      string
	Alias     string
	BlockSize int
	Total     int
	Available int
	Waiting   int
}

func (p *BlockPool) Handle() Handle { return p.h }
func (p *BlockPool) Kind() Kind     { return KindBlockPool }

func (p *BlockPool) Name() string {
	info, _ := p.Info()
	return info.Name
}

// NewBlockPool creates a block pool from a KindBlockPool builder and
// consumes the builder. Blocks come from Storage or from BlockCount blocks'
// worth of kernel heap.
func (k *Kernel) NewBlockPool(ctx context.Context, a *Attr) (*BlockPool, error) {
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return nil, c.err
	}
	if err := k.checkAttr(a, KindBlockPool); err != nil {
		return nil, err
	}

	blockSize := attrValue(a, FieldBlockSize, 0)
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block pool needs a block size", ErrInvalidArgument)
	}
	rounded := (blockSize + mempool.Align - 1) / mempool.Align * mempool.Align
	storage := attrValue[[]byte](a, FieldStorage, nil)
	count := attrValue(a, FieldBlockCount, 0)
	if (storage == nil) == (count == 0) {
		return nil, fmt.Errorf("%w: block pool takes a block count or storage", ErrInvalidArgument)
	}

	cb := &blockPoolCB{
		header:  header{kind: KindBlockPool, name: attrValue(a, FieldName, ""), alias: attrValue(a, FieldAlias, "")},
		waiters: newWaitQueue(),
	}
	if storage == nil {
		if err := k.byteContext(c); err != nil {
			return nil, err
		}
		region, ok := k.heap.alloc.Alloc(count * rounded)
		if !ok {
			return nil, fmt.Errorf("%w: %d blocks of %d bytes for %s", ErrNoMemory, count, rounded, cb.name)
		}
		storage, cb.fromHeap = region, true
	}
	if len(storage) < rounded {
		return nil, fmt.Errorf("%w: %d bytes of storage for %d-byte blocks", ErrInvalidArgument, len(storage), rounded)
	}
	cb.region = storage
	cb.alloc = mempool.NewBlock(storage, blockSize)

	k.objects.put(cb)
	k.retireAttr(a)
	k.emit(EventCreate, nil, cb.label(), "block-pool")
	return &BlockPool{k: k, h: cb.handle}, nil
}

// Allocate takes one block. Legal from any context with NoWait; only tasks
// may block.
func (p *BlockPool) Allocate(ctx context.Context, timeout Ticks) ([]byte, error) {
	k := p.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return nil, c.err
	}
	cb, err := lookup[*blockPoolCB](k, p.h)
	if err != nil {
		return nil, err
	}
	if mem, ok := cb.alloc.Alloc(); ok {
		return mem, nil
	}
	if timeout == NoWait {
		return nil, fmt.Errorf("%w: %s exhausted", ErrNoMemory, cb.label())
	}
	if !c.isTask() {
		return nil, fmt.Errorf("%w: block pool %s", ErrWaitContext, cb.label())
	}
	w := &waiter{queue: cb.waiters, object: cb.label()}
	if err := k.block(c.t, StateWaiting, w, timeout); err != nil {
		return nil, err
	}
	return w.mem, nil
}

// Free returns a block. A waiting task receives it directly.
func (p *BlockPool) Free(ctx context.Context, buf []byte) error {
	k := p.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	cb, err := lookup[*blockPoolCB](k, p.h)
	if err != nil {
		return err
	}
	if !cb.alloc.Owns(buf) {
		return fmt.Errorf("%w: buffer not allocated from %s", ErrInvalidArgument, cb.label())
	}
	if next := cb.waiters.front(); next != nil {
		next.wait.mem = buf[:cap(buf)]
		k.resume(next, nil)
		return nil
	}
	cb.alloc.Free(buf)
	return nil
}

// Prioritize moves the most urgent waiter to the head of the queue.
func (p *BlockPool) Prioritize(ctx context.Context) error {
	k := p.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	cb, err := lookup[*blockPoolCB](k, p.h)
	if err != nil {
		return err
	}
	cb.waiters.prioritize()
	return nil
}

// Info returns a snapshot of the pool.
func (p *BlockPool) Info() (BlockPoolInfo, error) {
	k := p.k
	k.mu.Lock()
	defer k.mu.Unlock()
	cb, err := lookup[*blockPoolCB](k, p.h)
	if err != nil {
		return BlockPoolInfo{}, err
	}
	st := cb.alloc.Stats()
	return BlockPoolInfo{
		Name:      cb.name,
		Alias:     cb.alias,
		BlockSize: st.BlockSize,
		Total:     st.Total,
		Available: st.Available,
		Waiting:   cb.waiters.len(),
	}, nil
}

// Delete destroys the pool; waiters wake with ErrDeleted and a heap-backed
// region goes back to the heap.
func (p *BlockPool) Delete(ctx context.Context) error {
	k := p.k
	c := k.enter(ctx)
	defer k.leave(c)
	if c.err != nil {
		return c.err
	}
	cb, err := lookup[*blockPoolCB](k, p.h)
	if err != nil {
		return err
	}
	if cb.fromHeap {
		if err := k.byteContext(c); err != nil {
			return err
		}
	}
	k.wakeAll(cb.waiters, ErrDeleted)
	if cb.fromHeap {
		k.heap.alloc.Free(cb.region)
		k.wakePoolWaiters(k.heap)
	}
	k.objects.release(cb.handle)
	k.emit(EventDelete, nil, cb.label(), "block-pool")
	return nil
}
