package kernel

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBytePool(t *testing.T, k *Kernel, size int) *BytePool {
	t.Helper()
	p, err := k.NewBytePool(context.Background(), newObjectAttr(t, k, KindBytePool,
		Pair{Field: FieldName, Value: fmt.Sprintf("pool-%d", size)}, Pair{Field: FieldPoolSize, Value: size}))
	require.NoError(t, err)
	return p
}

func TestBytePoolReclaimsFreedSpace(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	pool := newBytePool(t, k, 1024)

	first, err := pool.Allocate(ctx, 600, NoWait)
	require.NoError(t, err)
	assert.Len(t, first, 600)
	_, err = pool.Allocate(ctx, 900, NoWait)
	assert.ErrorIs(t, err, ErrNoMemory)

	require.NoError(t, pool.Free(ctx, first))
	second, err := pool.Allocate(ctx, 900, NoWait)
	require.NoError(t, err)
	assert.Len(t, second, 900)

	info, err := pool.Info()
	require.NoError(t, err)
	assert.Equal(t, 1, info.Allocations)
	assert.ErrorIs(t, pool.Free(ctx, first), ErrInvalidArgument, "double free")
	assert.ErrorIs(t, pool.Free(ctx, make([]byte, 8)), ErrInvalidArgument, "foreign buffer")
}

func TestBytePoolValidation(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	a := newObjectAttr(t, k, KindBytePool)
	_, err := k.NewBytePool(ctx, a)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	require.NoError(t, k.DelAttr(a))

	a = newObjectAttr(t, k, KindBytePool, Pair{Field: FieldPoolSize, Value: 64}, Pair{Field: FieldStorage, Value: make([]byte, 64)})
	_, err = k.NewBytePool(ctx, a)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	require.NoError(t, k.DelAttr(a))

	a = newObjectAttr(t, k, KindBytePool, Pair{Field: FieldPoolSize, Value: 1 << 20})
	_, err = k.NewBytePool(ctx, a)
	assert.ErrorIs(t, err, ErrNoMemory)
	require.NoError(t, k.DelAttr(a))

	own := make([]byte, 128)
	pool, err := k.NewBytePool(ctx, newObjectAttr(t, k, KindBytePool, Pair{Field: FieldStorage, Value: own}))
	require.NoError(t, err)
	buf, err := pool.Allocate(ctx, 16, NoWait)
	require.NoError(t, err)
	assert.Same(t, &own[0], &buf[0])

	_, err = pool.Allocate(ctx, 0, NoWait)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = pool.Allocate(ctx, 120, WaitForever)
	assert.ErrorIs(t, err, ErrWaitContext)
	assert.ErrorIs(t, k.Heap().Delete(ctx), ErrInvalidArgument)
}

func TestBytePoolRejectsInterruptContext(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	pool := newBytePool(t, k, 256)
	buf, err := pool.Allocate(ctx, 32, NoWait)
	require.NoError(t, err)
	k.Start()

	_, err = pool.Allocate(ctx, 32, NoWait)
	assert.ErrorIs(t, err, ErrCallerContext)
	assert.ErrorIs(t, pool.Free(ctx, buf), ErrCallerContext)
	_, err = k.Realloc(ctx, nil, buf, 64)
	assert.ErrorIs(t, err, ErrCallerContext)
}

func TestBytePoolBlockingAllocate(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	pool := newBytePool(t, k, 1024)
	held, err := pool.Allocate(ctx, 600, NoWait)
	require.NoError(t, err)

	var got []byte
	var allocErr error = fmt.Errorf("not run")
	spawn(t, k, "hungry", 10, func(ctx context.Context, _ any) {
		got, allocErr = pool.Allocate(ctx, 900, WaitForever)
	})
	spawn(t, k, "releaser", 20, func(ctx context.Context, _ any) {
		assert.NoError(t, k.Sleep(ctx, 1))
		assert.NoError(t, pool.Free(ctx, held))
	})
	k.Start()
	settle(t, k)

	info, err := pool.Info()
	require.NoError(t, err)
	assert.Equal(t, 1, info.Waiting)

	advance(t, k, 1)
	assert.NoError(t, allocErr)
	assert.Len(t, got, 900)
}

func TestBytePoolDeleteWakesWaitersAndReturnsRegion(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	before, err := k.Heap().Info()
	require.NoError(t, err)

	pool := newBytePool(t, k, 512)
	_, err = pool.Allocate(ctx, 512, NoWait)
	require.NoError(t, err)

	errs := make([]error, 2)
	for i := range errs {
		i := i
		spawn(t, k, fmt.Sprintf("w%d", i), 10+i, func(ctx context.Context, _ any) {
			_, errs[i] = pool.Allocate(ctx, 64, WaitForever)
		}, Pair{Field: FieldStack, Value: make([]byte, 64)})
	}
	k.Start()
	settle(t, k)

	del := taskAttr(t, k, "deleter", 5, func(ctx context.Context, _ any) {
		assert.NoError(t, pool.Delete(ctx))
	}, Pair{Field: FieldStack, Value: make([]byte, 64)})
	_, err = k.NewTask(ctx, del)
	require.NoError(t, err)
	settle(t, k)

	for i, err := range errs {
		assert.ErrorIs(t, err, ErrDeleted, "waiter %d", i)
	}
	after, err := k.Heap().Info()
	require.NoError(t, err)
	assert.Equal(t, before.Available, after.Available)
}

func TestReallocAcrossPools(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	pool := newBytePool(t, k, 512)
	heapBefore, err := k.Heap().Info()
	require.NoError(t, err)

	buf, err := k.Realloc(ctx, nil, nil, 100)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = byte(i)
	}

	moved, err := k.Realloc(ctx, pool, buf, 50)
	require.NoError(t, err)
	require.Len(t, moved, 50)
	for i := range moved {
		require.Equal(t, byte(i), moved[i])
	}
	heapAfter, err := k.Heap().Info()
	require.NoError(t, err)
	assert.Equal(t, heapBefore.Available, heapAfter.Available, "source freed")

	grown, err := k.Realloc(ctx, pool, moved, 200)
	require.NoError(t, err)
	require.Len(t, grown, 200)
	for i := 0; i < 50; i++ {
		require.Equal(t, byte(i), grown[i])
	}

	back, err := k.Realloc(ctx, nil, grown, 300)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.Equal(t, byte(i), back[i])
	}
	info, err := pool.Info()
	require.NoError(t, err)
	assert.Zero(t, info.Allocations)

	_, err = k.Realloc(ctx, pool, make([]byte, 16), 32)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = k.Realloc(ctx, pool, back, 4096)
	assert.ErrorIs(t, err, ErrNoMemory)
	_, err = k.Realloc(ctx, nil, back, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReallocFromStartOfCarvedPool(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	src := newBytePool(t, k, 256)
	dst := newBytePool(t, k, 512)
	heapBefore, err := k.Heap().Info()
	require.NoError(t, err)

	// the whole region, so it starts and ends where the heap's allocation does
	whole, err := src.Allocate(ctx, 256, NoWait)
	require.NoError(t, err)
	whole[0], whole[255] = 1, 2

	moved, err := k.Realloc(ctx, dst, whole, 300)
	require.NoError(t, err)
	require.Len(t, moved, 300)
	assert.Equal(t, byte(1), moved[0])
	assert.Equal(t, byte(2), moved[255])
	srcInfo, err := src.Info()
	require.NoError(t, err)
	assert.Zero(t, srcInfo.Allocations)
	assert.Equal(t, 256, srcInfo.Available)

	back, err := k.Realloc(ctx, nil, moved, 100)
	require.NoError(t, err)
	assert.Equal(t, byte(1), back[0])
	dstInfo, err := dst.Info()
	require.NoError(t, err)
	assert.Zero(t, dstInfo.Allocations)
	heapAfter, err := k.Heap().Info()
	require.NoError(t, err)
	assert.Equal(t, heapBefore.Available-104, heapAfter.Available, "pool regions stay carved")

	single, err := k.NewBlockPool(ctx, newObjectAttr(t, k, KindBlockPool,
		Pair{Field: FieldBlockSize, Value: 64}, Pair{Field: FieldBlockCount, Value: 1}))
	require.NoError(t, err)
	block, err := single.Allocate(ctx, NoWait)
	require.NoError(t, err)
	_, err = k.Realloc(ctx, nil, block, 32)
	assert.ErrorIs(t, err, ErrInvalidArgument, "blocks are not byte pool memory")
	require.NoError(t, single.Free(ctx, block))
}

func TestBlockPoolAllocateFree(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	pool, err := k.NewBlockPool(ctx, newObjectAttr(t, k, KindBlockPool,
		Pair{Field: FieldName, Value: "frames"},
		Pair{Field: FieldBlockSize, Value: 30},
		Pair{Field: FieldBlockCount, Value: 4}))
	require.NoError(t, err)
	k.Start()

	var blocks [][]byte
	for i := 0; i < 4; i++ {
		b, err := pool.Allocate(ctx, NoWait)
		require.NoError(t, err)
		assert.Len(t, b, 32)
		blocks = append(blocks, b)
	}
	_, err = pool.Allocate(ctx, NoWait)
	assert.ErrorIs(t, err, ErrNoMemory)
	_, err = pool.Allocate(ctx, 5)
	assert.ErrorIs(t, err, ErrWaitContext)

	require.NoError(t, pool.Free(ctx, blocks[0]))
	assert.ErrorIs(t, pool.Free(ctx, blocks[0]), ErrInvalidArgument)
	assert.ErrorIs(t, pool.Free(ctx, make([]byte, 32)), ErrInvalidArgument)

	info, err := pool.Info()
	require.NoError(t, err)
	assert.Equal(t, BlockPoolInfo{Name: "frames", BlockSize: 32, Total: 4, Available: 1}, info)
}

func TestBlockPoolHandsFreedBlockToWaiter(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	storage := make([]byte, 64)
	pool, err := k.NewBlockPool(ctx, newObjectAttr(t, k, KindBlockPool,
		Pair{Field: FieldBlockSize, Value: 64}, Pair{Field: FieldStorage, Value: storage}))
	require.NoError(t, err)
	only, err := pool.Allocate(ctx, NoWait)
	require.NoError(t, err)

	var got []byte
	spawn(t, k, "waiter", 10, func(ctx context.Context, _ any) {
		var err error
		got, err = pool.Allocate(ctx, WaitForever)
		assert.NoError(t, err)
	})
	k.Start()
	settle(t, k)

	require.NoError(t, pool.Free(ctx, only))
	settle(t, k)
	require.Len(t, got, 64)
	assert.Same(t, &storage[0], &got[0])

	info, err := pool.Info()
	require.NoError(t, err)
	assert.Zero(t, info.Available, "the block went straight to the waiter")
}
