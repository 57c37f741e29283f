package tlsf

import "encoding/binary"

// Block header layout, relative to a block reference b (all fields 4 bytes,
// little-endian):
//
//	b+0  prev_phys  offset of the physically preceding block; only valid
//	                while that block is free (the field overlaps the
//	                preceding block's last usable bytes otherwise)
//	b+4  size       usable size with the two low bits stolen for flags
//	b+8  next_free  intrusive free-list link, valid only while free
//	b+12 prev_free  intrusive free-list link, valid only while free
//
// User data starts at b+8, so next_free/prev_free overlap the usable area.
// Sizes are always multiples of AlignSize, which keeps the flag bits clear.
const (
	blockHeaderFreeBit     = 1 << 0
	blockHeaderPrevFreeBit = 1 << 1

	// blockHeaderOverhead is the per-block cost charged against the pool:
	// only the size field, since prev_phys lives inside the previous block.
	blockHeaderOverhead = 4

	// blockStartOffset is the distance from a block reference to its user data.
	blockStartOffset = 8

	blockHeaderSize = 16
)

const (
	// AlignSize is the alignment of all block sizes and user offsets.
	AlignSize = 1 << alignSizeLog2

	// BlockSizeMin is the smallest usable size a block can have: the full
	// header minus the prev_phys field that is stored in the previous block.
	BlockSizeMin = blockHeaderSize - 4

	// BlockSizeMax is the largest size the two-level classification can index.
	BlockSizeMax = 1 << flIndexMax

	// PoolOverhead is the fixed cost of registering a pool: the overhead of
	// the bootstrap free block plus the zero-size sentinel block.
	PoolOverhead = 2 * blockHeaderOverhead

	// AllocOverhead is the per-allocation bookkeeping cost.
	AllocOverhead = blockHeaderOverhead

	// ControlSize is the number of bytes New reserves at the start of the
	// buffer for the shared null block that terminates every free list.
	ControlSize = blockHeaderSize
)

func (h *Heap) word(off int) int {
	return int(binary.LittleEndian.Uint32(h.buf[off:]))
}

func (h *Heap) setWord(off int, v int) {
	binary.LittleEndian.PutUint32(h.buf[off:], uint32(v))
}

func (h *Heap) rawSize(b int) int  { return h.word(b + 4) }
func (h *Heap) blockSize(b int) int {
	return h.rawSize(b) &^ (blockHeaderFreeBit | blockHeaderPrevFreeBit)
}

func (h *Heap) setBlockSize(b, size int) {
	old := h.rawSize(b)
	h.setWord(b+4, size|(old&(blockHeaderFreeBit|blockHeaderPrevFreeBit)))
}

func (h *Heap) blockIsLast(b int) bool { return h.blockSize(b) == 0 }

func (h *Heap) blockIsFree(b int) bool {
	return h.rawSize(b)&blockHeaderFreeBit != 0
}

func (h *Heap) blockSetFree(b int) {
	h.setWord(b+4, h.rawSize(b)|blockHeaderFreeBit)
}

func (h *Heap) blockSetUsed(b int) {
	h.setWord(b+4, h.rawSize(b)&^blockHeaderFreeBit)
}

func (h *Heap) blockIsPrevFree(b int) bool {
	return h.rawSize(b)&blockHeaderPrevFreeBit != 0
}

func (h *Heap) blockSetPrevFree(b int) {
	h.setWord(b+4, h.rawSize(b)|blockHeaderPrevFreeBit)
}

func (h *Heap) blockSetPrevUsed(b int) {
	h.setWord(b+4, h.rawSize(b)&^blockHeaderPrevFreeBit)
}

func (h *Heap) prevPhys(b int) int       { return h.word(b) }
func (h *Heap) setPrevPhys(b, prev int)  { h.setWord(b, prev) }
func (h *Heap) nextFree(b int) int       { return h.word(b + 8) }
func (h *Heap) setNextFree(b, next int)  { h.setWord(b+8, next) }
func (h *Heap) prevFree(b int) int       { return h.word(b + 12) }
func (h *Heap) setPrevFree(b, prev int)  { h.setWord(b+12, prev) }

func blockFromPtr(p Ptr) int { return int(p) - blockStartOffset }
func blockToPtr(b int) Ptr   { return Ptr(b + blockStartOffset) }

// blockNext returns the reference of the physically following block.
func (h *Heap) blockNext(b int) int {
	return b + blockStartOffset + h.blockSize(b) - blockHeaderOverhead
}

// blockPrev returns the physically preceding block; only meaningful while
// the prev-free flag of b is set.
func (h *Heap) blockPrev(b int) int {
	return h.prevPhys(b)
}

// blockLinkNext stores b as the physical predecessor of its successor and
// returns the successor.
func (h *Heap) blockLinkNext(b int) int {
	next := h.blockNext(b)
	h.setPrevPhys(next, b)
	return next
}

func (h *Heap) blockMarkAsFree(b int) {
	next := h.blockLinkNext(b)
	h.blockSetPrevFree(next)
	h.blockSetFree(b)
}

func (h *Heap) blockMarkAsUsed(b int) {
	next := h.blockNext(b)
	h.blockSetPrevUsed(next)
	h.blockSetUsed(b)
}

func (h *Heap) blockCanSplit(b, size int) bool {
	return h.blockSize(b) >= blockHeaderSize+size
}

// blockSplit carves the tail of b off into a new free block of whatever is
// left past size, and returns it.
func (h *Heap) blockSplit(b, size int) int {
	remaining := int(blockToPtr(b)) + size - blockHeaderOverhead
	remainSize := h.blockSize(b) - (size + blockHeaderOverhead)

	h.setWord(remaining+4, 0)
	h.setBlockSize(remaining, remainSize)

	h.setBlockSize(b, size)
	h.blockMarkAsFree(remaining)

	return remaining
}

// blockAbsorb folds block into prev, leaving prev's flags untouched.
func (h *Heap) blockAbsorb(prev, block int) int {
	h.setBlockSize(prev, h.blockSize(prev)+h.blockSize(block)+blockHeaderOverhead)
	h.blockLinkNext(prev)
	return prev
}

// blockMergePrev coalesces a just-freed block with a free physical
// predecessor, found in O(1) through the prev-free flag.
func (h *Heap) blockMergePrev(b int) int {
	if h.blockIsPrevFree(b) {
		prev := h.blockPrev(b)
		h.blockRemove(prev)
		b = h.blockAbsorb(prev, b)
	}
	return b
}

// blockMergeNext coalesces a just-freed block with a free physical successor.
func (h *Heap) blockMergeNext(b int) int {
	next := h.blockNext(b)
	if h.blockIsFree(next) {
		h.blockRemove(next)
		b = h.blockAbsorb(b, next)
	}
	return b
}

// blockTrimFree returns any trailing space of a free block past size to the pool.
func (h *Heap) blockTrimFree(b, size int) {
	if h.blockCanSplit(b, size) {
		remaining := h.blockSplit(b, size)
		h.blockLinkNext(b)
		h.blockSetPrevFree(remaining)
		h.blockInsert(remaining)
	}
}

// blockTrimUsed returns any trailing space of a used block past size to the
// pool, coalescing the tail with a free successor.
func (h *Heap) blockTrimUsed(b, size int) {
	if h.blockCanSplit(b, size) {
		remaining := h.blockSplit(b, size)
		h.blockSetPrevUsed(remaining)

		remaining = h.blockMergeNext(remaining)
		h.blockInsert(remaining)
	}
}

// blockTrimFreeLeading splits the first size bytes of a free block off as
// their own free block and returns the remainder.
func (h *Heap) blockTrimFreeLeading(b, size int) int {
	remaining := b
	if h.blockCanSplit(b, size) {
		remaining = h.blockSplit(b, size-blockHeaderOverhead)
		h.blockSetPrevFree(remaining)

		h.blockLinkNext(b)
		h.blockInsert(b)
	}
	return remaining
}

func (h *Heap) blockPrepareUsed(b, size int) Ptr {
	h.blockTrimFree(b, size)
	h.blockMarkAsUsed(b)
	return blockToPtr(b)
}
