package tlsf_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/firmforge/tinyheap/tlsf"
)

// newTestHeap builds a heap whose single pool has 1016 usable bytes.
func newTestHeap(t *testing.T) (*tlsf.Heap, tlsf.Pool) {
	t.Helper()

	buf := make([]byte, tlsf.ControlSize+1024)
	h, pool, err := tlsf.NewWithPool(buf)
	require.NoError(t, err)
	return h, pool
}

func freeBytes(h *tlsf.Heap, pool tlsf.Pool) int {
	total := 0
	h.WalkPool(pool, func(ptr tlsf.Ptr, size int, used bool) {
		if !used {
			total += size
		}
	})
	return total
}

func freeRanges(h *tlsf.Heap, pool tlsf.Pool) []int {
	var sizes []int
	h.WalkPool(pool, func(ptr tlsf.Ptr, size int, used bool) {
		if !used {
			sizes = append(sizes, size)
		}
	})
	return sizes
}

func TestMallocBasic(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	h, pool := newTestHeap(t)
	require.Equal(t, 1016, freeBytes(h, pool))

	p := h.Malloc(100)
	require.NotEqual(t, tlsf.NullPtr, p)
	require.Equal(t, 0, int(p)%tlsf.AlignSize)
	require.Equal(t, 100, h.BlockSize(p))

	mem := h.Bytes(p)
	require.Len(t, mem, 100)
	for i := range mem {
		mem[i] = byte(i)
	}

	require.NoError(t, h.Validate())

	require.Equal(t, 100, h.Free(p))
	require.Equal(t, 1016, freeBytes(h, pool))
	require.NoError(t, h.Validate())
}

func TestMallocPadsToMinimum(t *testing.T) {
	h, _ := newTestHeap(t)

	p := h.Malloc(1)
	require.Equal(t, tlsf.BlockSizeMin, h.BlockSize(p))

	q := h.Malloc(13)
	require.Equal(t, 16, h.BlockSize(q))

	r := h.Malloc(100)
	require.Equal(t, 100, h.BlockSize(r))
}

func TestMallocZeroAndNull(t *testing.T) {
	h, _ := newTestHeap(t)

	require.Equal(t, tlsf.NullPtr, h.Malloc(0))
	require.Equal(t, 0, h.Free(tlsf.NullPtr))
	require.Equal(t, 0, h.BlockSize(tlsf.NullPtr))
	require.Nil(t, h.Bytes(tlsf.NullPtr))
}

func TestMallocExhaustion(t *testing.T) {
	h, pool := newTestHeap(t)

	require.Equal(t, tlsf.NullPtr, h.Malloc(2000))

	p := h.Malloc(912)
	require.NotEqual(t, tlsf.NullPtr, p)

	// Only 100 bytes remain.
	require.Equal(t, tlsf.NullPtr, h.Malloc(200))

	q := h.Malloc(100)
	require.NotEqual(t, tlsf.NullPtr, q)

	h.Free(p)
	h.Free(q)
	require.Equal(t, 1016, freeBytes(h, pool))
	require.NoError(t, h.Validate())
}

func TestFreedBlockIsReused(t *testing.T) {
	h, _ := newTestHeap(t)

	p1 := h.Malloc(100)
	p2 := h.Malloc(200)
	require.NotEqual(t, p1, p2)

	h.Free(p1)

	// An identical request lands back on the freed block.
	p3 := h.Malloc(100)
	require.Equal(t, p1, p3)
	require.NoError(t, h.Validate())
}

func TestCoalescing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	h, pool := newTestHeap(t)

	a := h.Malloc(100)
	b := h.Malloc(200)
	guard := h.Malloc(100)
	require.NotEqual(t, tlsf.NullPtr, guard)

	h.Free(a)
	h.Free(b)

	// a and b merged into one 304 byte run; the guard keeps the tail separate.
	require.Equal(t, []int{304, 604}, freeRanges(h, pool))
	require.NoError(t, h.Validate())

	// The merged run is large enough to serve both former blocks at once.
	p := h.Malloc(304)
	require.Equal(t, a, p)
}

func TestCoalescingFreeOrderIndependent(t *testing.T) {
	h, pool := newTestHeap(t)

	a := h.Malloc(100)
	b := h.Malloc(200)
	guard := h.Malloc(100)
	require.NotEqual(t, tlsf.NullPtr, guard)

	h.Free(b)
	h.Free(a)

	require.Equal(t, []int{304, 604}, freeRanges(h, pool))
	require.NoError(t, h.Validate())
}

func TestReallocGrowsInPlace(t *testing.T) {
	h, _ := newTestHeap(t)

	a := h.Malloc(100)
	b := h.Malloc(100)

	mem := h.Bytes(a)
	for i := range mem {
		mem[i] = byte(i)
	}

	// Freeing b leaves a free run right after a.
	h.Free(b)

	p := h.Realloc(a, 180)
	require.Equal(t, a, p)
	require.Equal(t, 180, h.BlockSize(p))

	mem = h.Bytes(p)
	for i := 0; i < 100; i++ {
		require.Equal(t, byte(i), mem[i])
	}
	require.NoError(t, h.Validate())
}

func TestReallocRelocates(t *testing.T) {
	h, pool := newTestHeap(t)

	a := h.Malloc(100)
	b := h.Malloc(100)
	require.NotEqual(t, tlsf.NullPtr, b)

	mem := h.Bytes(a)
	for i := range mem {
		mem[i] = byte(i)
	}

	// b blocks in-place growth, so the allocation moves and a is freed.
	p := h.Realloc(a, 600)
	require.NotEqual(t, tlsf.NullPtr, p)
	require.NotEqual(t, a, p)
	require.GreaterOrEqual(t, h.BlockSize(p), 600)

	mem = h.Bytes(p)
	for i := 0; i < 100; i++ {
		require.Equal(t, byte(i), mem[i])
	}

	require.Contains(t, freeRanges(h, pool), 100)
	require.NoError(t, h.Validate())
}

func TestReallocFailureLeavesBlockUntouched(t *testing.T) {
	h, _ := newTestHeap(t)

	a := h.Malloc(100)
	mem := h.Bytes(a)
	for i := range mem {
		mem[i] = byte(i)
	}

	require.Equal(t, tlsf.NullPtr, h.Realloc(a, 2000))

	require.Equal(t, 100, h.BlockSize(a))
	mem = h.Bytes(a)
	for i := range mem {
		require.Equal(t, byte(i), mem[i])
	}
	require.NoError(t, h.Validate())
}

func TestReallocShrinksInPlace(t *testing.T) {
	h, _ := newTestHeap(t)

	a := h.Malloc(100)
	mem := h.Bytes(a)
	for i := range mem {
		mem[i] = byte(i)
	}

	p := h.Realloc(a, 40)
	require.Equal(t, a, p)
	require.Equal(t, 40, h.BlockSize(p))

	mem = h.Bytes(p)
	for i := 0; i < 40; i++ {
		require.Equal(t, byte(i), mem[i])
	}
	require.NoError(t, h.Validate())
}

func TestReallocNullAndZero(t *testing.T) {
	h, pool := newTestHeap(t)

	// Realloc of NullPtr allocates.
	p := h.Realloc(tlsf.NullPtr, 100)
	require.NotEqual(t, tlsf.NullPtr, p)
	require.Equal(t, 100, h.BlockSize(p))

	// Realloc to size 0 frees.
	require.Equal(t, tlsf.NullPtr, h.Realloc(p, 0))
	require.Equal(t, 1016, freeBytes(h, pool))
	require.NoError(t, h.Validate())
}

func TestMemalign(t *testing.T) {
	aligns := []uint{8, 16, 64, 256}

	for _, align := range aligns {
		h, pool := newTestHeap(t)

		p := h.Memalign(align, 100)
		require.NotEqual(t, tlsf.NullPtr, p, "align %d", align)
		require.Equal(t, 0, int(p)%int(align), "align %d", align)
		require.GreaterOrEqual(t, h.BlockSize(p), 100)
		require.NoError(t, h.Validate())

		// The alignment gap went back to the pool and coalesces on free.
		h.Free(p)
		require.Equal(t, []int{1016}, freeRanges(h, pool))
		require.NoError(t, h.Validate())
	}
}

func TestMemalignNativeAlignment(t *testing.T) {
	h, _ := newTestHeap(t)

	// Alignment at or below the base alignment needs no gap handling.
	p := h.Memalign(tlsf.AlignSize, 100)
	require.NotEqual(t, tlsf.NullPtr, p)
	require.Equal(t, 100, h.BlockSize(p))

	require.Equal(t, tlsf.NullPtr, h.Memalign(16, 0))
}

func TestAddPoolErrors(t *testing.T) {
	buf := make([]byte, tlsf.ControlSize+1024)
	h, err := tlsf.New(buf)
	require.NoError(t, err)

	_, err = h.AddPool(tlsf.ControlSize+2, 512)
	require.Error(t, err, "misaligned pool offset")

	_, err = h.AddPool(tlsf.ControlSize, 12)
	require.Error(t, err, "pool smaller than one block")

	_, err = h.AddPool(tlsf.ControlSize, 4096)
	require.Error(t, err, "pool past the end of the buffer")

	_, err = h.AddPool(0, 512)
	require.Error(t, err, "pool overlapping the control area")
}

func TestMultiplePools(t *testing.T) {
	buf := make([]byte, tlsf.ControlSize+512+512)
	h, err := tlsf.New(buf)
	require.NoError(t, err)

	p1, err := h.AddPool(tlsf.ControlSize, 512)
	require.NoError(t, err)
	p2, err := h.AddPool(tlsf.ControlSize+512, 512)
	require.NoError(t, err)
	require.Equal(t, []tlsf.Pool{p1, p2}, h.Pools())

	// Pools do not merge: no single block spans both.
	require.Equal(t, tlsf.NullPtr, h.Malloc(600))

	a := h.Malloc(400)
	b := h.Malloc(400)
	require.NotEqual(t, tlsf.NullPtr, a)
	require.NotEqual(t, tlsf.NullPtr, b)
	require.Equal(t, tlsf.NullPtr, h.Malloc(400))

	require.NoError(t, h.Validate())
}

func TestRemovePool(t *testing.T) {
	h, pool := newTestHeap(t)

	h.RemovePool(pool)
	require.Empty(t, h.Pools())
	require.Equal(t, tlsf.NullPtr, h.Malloc(100))
	require.NoError(t, h.Check())
}

func TestWalkPoolVisitsPhysicalOrder(t *testing.T) {
	h, pool := newTestHeap(t)

	a := h.Malloc(100)
	b := h.Malloc(200)

	var ptrs []tlsf.Ptr
	var sizes []int
	var used []bool
	h.WalkPool(pool, func(ptr tlsf.Ptr, size int, u bool) {
		ptrs = append(ptrs, ptr)
		sizes = append(sizes, size)
		used = append(used, u)
	})

	require.Equal(t, []tlsf.Ptr{a, b, b + 204}, ptrs)
	require.Equal(t, []int{100, 200, 708}, sizes)
	require.Equal(t, []bool{true, true, false}, used)

	h.WalkPool(pool, nil)
}
