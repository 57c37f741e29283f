// Package tlsf implements a two-level segregated-fit allocator over a single
// caller-supplied byte buffer.
//
// Blocks are addressed by byte offsets into the buffer rather than machine
// pointers, with their headers stored in-band. All operations are O(1) and
// non-blocking. A Heap is not safe for concurrent use; callers that share one
// across goroutines must impose their own mutual exclusion.
package tlsf

import (
	"math/bits"

	"github.com/pkg/errors"
)

const (
	// slIndexCountLog2 is the log2 of the number of linear subdivisions of
	// each first-level size class.
	slIndexCountLog2 = 5

	alignSizeLog2 = 2

	// flIndexMax bounds the first-level index; allocations up to
	// 1<<flIndexMax bytes can be classified.
	flIndexMax = 30

	slIndexCount = 1 << slIndexCountLog2

	// flIndexShift is the log2 of the small-block threshold. First-level
	// lists for sizes below it would subdivide into fewer slots than
	// slIndexCount, so those sizes all live in first-level list 0.
	flIndexShift = slIndexCountLog2 + alignSizeLog2

	flIndexCount = flIndexMax - flIndexShift + 1

	smallBlockSize = 1 << flIndexShift
)

// Ptr is a byte offset into a Heap's buffer addressing the usable area of an
// allocated block. The zero value is the null result.
type Ptr int

// NullPtr is returned by allocation calls that cannot be satisfied.
const NullPtr Ptr = 0

// nullBlock is the reference of the shared sentinel block stored in the
// first ControlSize bytes of the buffer. Every empty free list points at it,
// so list-empty tests and list splices need no special cases.
const nullBlock = 0

// Heap is the allocator control state for one group of pools carved from a
// single buffer: the two-level bitmaps and the table of free-list heads.
type Heap struct {
	buf []byte

	flBitmap uint32
	slBitmap [flIndexCount]uint32

	// blocks holds the head of each (fl,sl) bucket's free list;
	// nullBlock marks an empty bucket.
	blocks [flIndexCount][slIndexCount]int

	pools []Pool
}

// New constructs a Heap managing buf. The first ControlSize bytes of the
// buffer are reserved; no pool is registered yet.
func New(buf []byte) (*Heap, error) {
	if len(buf) < ControlSize {
		return nil, errors.Errorf("buffer of %d bytes is smaller than the %d byte control area", len(buf), ControlSize)
	}

	h := &Heap{buf: buf}

	// Self-link the null block; the rest of its header is never read.
	h.setNextFree(nullBlock, nullBlock)
	h.setPrevFree(nullBlock, nullBlock)

	return h, nil
}

// NewWithPool constructs a Heap and registers everything past the control
// area as its single pool.
func NewWithPool(buf []byte) (*Heap, Pool, error) {
	h, err := New(buf)
	if err != nil {
		return nil, 0, err
	}

	pool, err := h.AddPool(ControlSize, len(buf)-ControlSize)
	if err != nil {
		return nil, 0, err
	}

	return h, pool, nil
}

// Destroy drops the heap's reference to its buffer, leaving the Heap unusable.
func (h *Heap) Destroy() {
	h.buf = nil
	h.pools = nil
}

func fls(n int) int {
	return bits.Len(uint(n)) - 1
}

func ffs(word uint32) int {
	return bits.TrailingZeros32(word)
}

// mappingInsert classifies a block size into its (fl,sl) bucket.
func mappingInsert(size int) (fl, sl int) {
	if size < smallBlockSize {
		fl = 0
		sl = size / (smallBlockSize / slIndexCount)
		return fl, sl
	}

	fl = fls(size)
	sl = (size >> (fl - slIndexCountLog2)) ^ (1 << slIndexCountLog2)
	fl -= flIndexShift - 1
	return fl, sl
}

// mappingSearch rounds a requested size up to the next second-level boundary
// before classifying, so any block found in the resulting bucket is
// guaranteed large enough. This is a good fit rather than a best fit.
func mappingSearch(size int) (fl, sl int) {
	if size >= smallBlockSize {
		round := (1 << (fls(size) - slIndexCountLog2)) - 1
		size += round
	}
	return mappingInsert(size)
}

// searchSuitableBlock finds the head of the first non-empty bucket at or
// above (fl,sl) using the two bitmaps; both steps are single bit scans.
func (h *Heap) searchSuitableBlock(fl, sl int) (block, foundFl, foundSl int, ok bool) {
	slMap := h.slBitmap[fl] & (^uint32(0) << sl)
	if slMap == 0 {
		// No block in this class; search the next largest class.
		flMap := h.flBitmap & (^uint32(0) << (fl + 1))
		if flMap == 0 {
			// Out of memory.
			return 0, 0, 0, false
		}

		fl = ffs(flMap)
		slMap = h.slBitmap[fl]
	}

	sl = ffs(slMap)
	return h.blocks[fl][sl], fl, sl, true
}

// removeFreeBlock unlinks a block from the (fl,sl) bucket's list and clears
// the bitmap bits if the bucket became empty.
func (h *Heap) removeFreeBlock(b, fl, sl int) {
	prev := h.prevFree(b)
	next := h.nextFree(b)
	h.setPrevFree(next, prev)
	h.setNextFree(prev, next)

	if h.blocks[fl][sl] == b {
		h.blocks[fl][sl] = next

		if next == nullBlock {
			h.slBitmap[fl] &^= 1 << sl

			if h.slBitmap[fl] == 0 {
				h.flBitmap &^= 1 << fl
			}
		}
	}
}

// insertFreeBlock pushes a block onto the head of the (fl,sl) bucket's list
// and marks both bitmaps.
func (h *Heap) insertFreeBlock(b, fl, sl int) {
	current := h.blocks[fl][sl]
	h.setNextFree(b, current)
	h.setPrevFree(b, nullBlock)
	h.setPrevFree(current, b)

	h.blocks[fl][sl] = b
	h.flBitmap |= 1 << fl
	h.slBitmap[fl] |= 1 << sl
}

func (h *Heap) blockRemove(b int) {
	fl, sl := mappingInsert(h.blockSize(b))
	h.removeFreeBlock(b, fl, sl)
}

func (h *Heap) blockInsert(b int) {
	fl, sl := mappingInsert(h.blockSize(b))
	h.insertFreeBlock(b, fl, sl)
}

// blockLocateFree finds a free block large enough for size and removes it
// from its bucket.
func (h *Heap) blockLocateFree(size int) (int, bool) {
	if size == 0 {
		return 0, false
	}

	fl, sl := mappingSearch(size)

	// mappingSearch rounds the size up, so for near-maximum requests the
	// first-level index can land past the end of the bucket table.
	if fl >= flIndexCount {
		return 0, false
	}

	b, fl, sl, ok := h.searchSuitableBlock(fl, sl)
	if !ok {
		return 0, false
	}

	h.removeFreeBlock(b, fl, sl)
	return b, true
}
