package tlsf

import (
	"github.com/pkg/errors"

	"github.com/firmforge/tinyheap/heaputil"
)

// Pool identifies one contiguous managed region within a heap's buffer. Its
// value is the byte offset of the region's first usable address.
type Pool int

// AddPool registers the region [mem, mem+size) of the heap's buffer as a
// managed pool: one bootstrap free block spanning the usable area, bounded
// above by a zero-size block that is permanently marked used so chain walks
// and coalescing stop at the pool boundary.
func (h *Heap) AddPool(mem, size int) (Pool, error) {
	poolBytes := heaputil.AlignDown(size-PoolOverhead, AlignSize)

	if mem%AlignSize != 0 {
		return 0, errors.Errorf("pool offset %d is not aligned to %d bytes", mem, AlignSize)
	}

	if mem < ControlSize || mem+size > len(h.buf) {
		return 0, errors.Errorf("pool region [%d, %d) falls outside the %d byte buffer", mem, mem+size, len(h.buf))
	}

	if poolBytes < BlockSizeMin || poolBytes > BlockSizeMax {
		return 0, errors.Errorf("pool of %d usable bytes is outside the supported range [%d, %d]", poolBytes, BlockSizeMin, BlockSizeMax)
	}

	// Offset the bootstrap block back by one header overhead so its
	// prev_phys field falls outside the pool; it is never accessed.
	block := mem - blockHeaderOverhead
	h.setWord(block+4, 0)
	h.setBlockSize(block, poolBytes)
	h.blockSetFree(block)
	h.blockSetPrevUsed(block)
	h.blockInsert(block)

	// The zero-size sentinel block after the usable area.
	next := h.blockLinkNext(block)
	h.setBlockSize(next, 0)
	h.blockSetUsed(next)
	h.blockSetPrevFree(next)

	pool := Pool(mem)
	h.pools = append(h.pools, pool)
	return pool, nil
}

// RemovePool takes a pool's bootstrap free block back out of the free-list
// index, retiring the pool. Memory contents are left as they are. The pool
// must be in the same state it was in right after AddPool.
func (h *Heap) RemovePool(pool Pool) {
	block := int(pool) - blockHeaderOverhead
	fl, sl := mappingInsert(h.blockSize(block))
	h.removeFreeBlock(block, fl, sl)

	for i, p := range h.pools {
		if p == pool {
			h.pools = append(h.pools[:i], h.pools[i+1:]...)
			break
		}
	}
}

// Pools lists the currently registered pools in registration order.
func (h *Heap) Pools() []Pool {
	return h.pools
}
