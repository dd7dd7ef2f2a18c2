package mempool

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteReclaimsFreedSpace(t *testing.T) {
	b := NewByte(make([]byte, 1024))

	first, ok := b.Alloc(600)
	require.True(t, ok)
	assert.Len(t, first, 600)

	_, ok = b.Alloc(900)
	assert.False(t, ok, "900 bytes cannot fit next to a live 600 byte block")

	require.True(t, b.Free(first))
	assert.True(t, b.Fits(900))
	second, ok := b.Alloc(900)
	require.True(t, ok)
	assert.Len(t, second, 900)
	assert.False(t, b.Fits(200))
}

func TestByteRejectsStaleSlices(t *testing.T) {
	b := NewByte(make([]byte, 1024))
	first, _ := b.Alloc(600)
	require.True(t, b.Free(first))
	second, ok := b.Alloc(900)
	require.True(t, ok)
	require.Same(t, &first[0], &second[0])

	assert.False(t, b.Owns(first))
	assert.Zero(t, b.SizeOf(first))
	assert.False(t, b.Free(first))
	_, ok = b.Realloc(first, 10)
	assert.False(t, ok)
	assert.True(t, b.Owns(second), "the live allocation is untouched")

	assert.True(t, b.Owns(second[:10]), "a shortened slice still resolves")
	small, ok := b.Realloc(second, 8)
	require.True(t, ok)
	assert.False(t, b.Owns(second), "old capacity no longer matches")
	assert.True(t, b.Free(small))
}

func TestByteCoalescesNeighbours(t *testing.T) {
	b := NewByte(make([]byte, 256))

	x, _ := b.Alloc(64)
	y, _ := b.Alloc(64)
	z, _ := b.Alloc(64)
	require.NotNil(t, z)

	require.True(t, b.Free(x))
	require.True(t, b.Free(z))
	assert.Equal(t, 2, b.Stats().Fragments)

	require.True(t, b.Free(y))
	want := ByteStats{Size: 256, Available: 256, Fragments: 1, Largest: 256}
	if diff := cmp.Diff(want, b.Stats()); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestByteRejectsForeignAndDoubleFree(t *testing.T) {
	b := NewByte(make([]byte, 128))
	buf, ok := b.Alloc(16)
	require.True(t, ok)

	assert.False(t, b.Free(make([]byte, 16)))
	assert.True(t, b.Free(buf))
	assert.False(t, b.Free(buf))
	assert.False(t, b.Owns(buf))
}

func TestByteRealloc(t *testing.T) {
	t.Run("grows in place into the right neighbour", func(t *testing.T) {
		b := NewByte(make([]byte, 256))
		buf, _ := b.Alloc(16)
		copy(buf, "0123456789abcdef")

		grown, ok := b.Realloc(buf, 100)
		require.True(t, ok)
		assert.Same(t, &buf[0], &grown[0])
		assert.Equal(t, "0123456789abcdef", string(grown[:16]))
		assert.Equal(t, 100, b.SizeOf(grown))
	})

	t.Run("moves when blocked and keeps the shorter prefix", func(t *testing.T) {
		b := NewByte(make([]byte, 256))
		buf, _ := b.Alloc(16)
		copy(buf, "0123456789abcdef")
		_, _ = b.Alloc(16)

		moved, ok := b.Realloc(buf, 64)
		require.True(t, ok)
		assert.NotSame(t, &buf[0], &moved[0])
		assert.Equal(t, "0123456789abcdef", string(moved[:16]))
		assert.False(t, b.Owns(buf))
	})

	t.Run("shrinks and returns the tail", func(t *testing.T) {
		b := NewByte(make([]byte, 128))
		buf, _ := b.Alloc(128)
		small, ok := b.Realloc(buf, 8)
		require.True(t, ok)
		assert.Len(t, small, 8)
		assert.Equal(t, 120, b.Stats().Available)
	})

	t.Run("failure leaves the allocation alone", func(t *testing.T) {
		b := NewByte(make([]byte, 64))
		buf, _ := b.Alloc(32)
		_, ok := b.Realloc(buf, 128)
		assert.False(t, ok)
		assert.True(t, b.Owns(buf))
	})
}

func TestBlockAllocFree(t *testing.T) {
	b := NewBlock(make([]byte, 4*32), 30)
	assert.Equal(t, 32, b.BlockSize())

	var got [][]byte
	for {
		buf, ok := b.Alloc()
		if !ok {
			break
		}
		got = append(got, buf)
	}
	require.Len(t, got, 4)
	assert.Equal(t, BlockStats{BlockSize: 32, Total: 4, Available: 0}, b.Stats())

	assert.True(t, b.Free(got[2]))
	assert.False(t, b.Free(got[2]), "double free")
	assert.False(t, b.Free(make([]byte, 32)), "foreign block")

	again, ok := b.Alloc()
	require.True(t, ok)
	assert.Same(t, &got[2][0], &again[0])
}
