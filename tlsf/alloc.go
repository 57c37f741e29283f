package tlsf

import (
	"github.com/firmforge/tinyheap/heaputil"
)

// adjustRequestSize rounds a request up to the alignment and to the minimum
// block size. It returns 0 when the request is unsatisfiable: either zero or
// so large that its aligned size cannot be classified.
func adjustRequestSize(size int, align uint) int {
	if size == 0 {
		return 0
	}

	aligned := heaputil.AlignUp(size, align)
	if aligned >= BlockSizeMax {
		return 0
	}

	if aligned < BlockSizeMin {
		return BlockSizeMin
	}
	return aligned
}

// Malloc allocates size bytes and returns the offset of the usable area, or
// NullPtr when no free block can satisfy the request. Exhaustion is a normal
// outcome, reported rather than retried.
func (h *Heap) Malloc(size int) Ptr {
	heaputil.DebugValidate(h)

	adjust := adjustRequestSize(size, AlignSize)

	block, ok := h.blockLocateFree(adjust)
	if !ok {
		return NullPtr
	}

	p := h.blockPrepareUsed(block, adjust)
	heaputil.FillAlloc(h.buf[int(p) : int(p)+adjust])
	return p
}

// Memalign allocates size bytes whose offset is a multiple of align. The
// search over-allocates by align plus one minimum-block gap so that any
// leading misalignment can be split off as its own free block and returned
// to the pool.
func (h *Heap) Memalign(align uint, size int) Ptr {
	heaputil.DebugValidate(h)
	heaputil.DebugCheckPow2(align, "align")

	adjust := adjustRequestSize(size, AlignSize)

	// The previous physical block may be in use, so a too-small gap cannot
	// be donated to it; the gap must be able to stand as a free block.
	gapMinimum := blockHeaderSize
	sizeWithGap := adjustRequestSize(adjust+int(align)+gapMinimum, align)

	// If the alignment is within what Malloc already guarantees, skip the
	// gap reservation entirely.
	alignedSize := adjust
	if adjust != 0 && align > AlignSize {
		alignedSize = sizeWithGap
	}

	block, ok := h.blockLocateFree(alignedSize)
	if !ok {
		return NullPtr
	}

	ptr := int(blockToPtr(block))
	aligned := heaputil.AlignUp(ptr, align)
	gap := aligned - ptr

	// A non-zero gap below the minimum cannot be split off; advance to the
	// next aligned boundary so the gap is either zero or viable.
	if gap != 0 && gap < gapMinimum {
		gapRemain := gapMinimum - gap
		offset := gapRemain
		if int(align) > offset {
			offset = int(align)
		}

		aligned = heaputil.AlignUp(aligned+offset, align)
		gap = aligned - ptr
	}

	if gap != 0 {
		block = h.blockTrimFreeLeading(block, gap)
	}

	p := h.blockPrepareUsed(block, adjust)
	heaputil.FillAlloc(h.buf[int(p) : int(p)+adjust])
	return p
}

// Free releases an allocated block, eagerly coalescing it with free physical
// neighbors, and returns the usable size that was freed for caller-side
// accounting. Freeing NullPtr is a no-op reporting 0.
func (h *Heap) Free(p Ptr) int {
	if p == NullPtr {
		return 0
	}

	heaputil.DebugValidate(h)

	block := blockFromPtr(p)
	size := h.blockSize(block)

	heaputil.FillFree(h.buf[int(p) : int(p)+size])

	h.blockMarkAsFree(block)
	block = h.blockMergePrev(block)
	block = h.blockMergeNext(block)
	h.blockInsert(block)

	return size
}

// Realloc resizes an allocation, keeping its contents.
//
//   - size 0 behaves as Free and yields NullPtr
//   - p == NullPtr behaves as Malloc
//   - a request that fits in the current block plus an immediately following
//     free block is satisfied in place and returns the same offset
//   - otherwise a fresh block is allocated, min(old, new) bytes are copied,
//     and the old block is freed
//
// A growth request that cannot be satisfied even by fresh allocation returns
// NullPtr and leaves the original block and its contents untouched.
func (h *Heap) Realloc(p Ptr, size int) Ptr {
	if p != NullPtr && size == 0 {
		h.Free(p)
		return NullPtr
	}

	if p == NullPtr {
		return h.Malloc(size)
	}

	heaputil.DebugValidate(h)

	block := blockFromPtr(p)
	next := h.blockNext(block)

	curSize := h.blockSize(block)
	combined := curSize + h.blockSize(next) + blockHeaderOverhead
	adjust := adjustRequestSize(size, AlignSize)

	if size > curSize && adjust == 0 {
		// The request is too large to classify at all.
		return NullPtr
	}

	if adjust > curSize && (!h.blockIsFree(next) || adjust > combined) {
		np := h.Malloc(size)
		if np != NullPtr {
			minSize := curSize
			if size < minSize {
				minSize = size
			}
			copy(h.buf[int(np):int(np)+minSize], h.buf[int(p):int(p)+minSize])
			h.Free(p)
		}
		return np
	}

	// Grow into the free successor if needed, then give any excess back.
	if adjust > curSize {
		h.blockMergeNext(block)
		h.blockMarkAsUsed(block)
	}

	h.blockTrimUsed(block, adjust)
	return p
}

// BlockSize reports the internal, padded size of an allocation, which may
// exceed the size originally requested.
func (h *Heap) BlockSize(p Ptr) int {
	if p == NullPtr {
		return 0
	}
	return h.blockSize(blockFromPtr(p))
}

// Bytes returns the usable area of an allocation as a slice of the heap's
// buffer. The slice aliases heap memory and is invalidated by Free or
// Realloc of p.
func (h *Heap) Bytes(p Ptr) []byte {
	if p == NullPtr {
		return nil
	}
	return h.buf[int(p) : int(p)+h.blockSize(blockFromPtr(p))]
}
