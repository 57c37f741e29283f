package tlsf

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// WalkPool invokes walker for every block in the pool in physical order,
// with the block's usable offset, usable size and used/free status, stopping
// at the pool's zero-size sentinel.
func (h *Heap) WalkPool(pool Pool, walker func(ptr Ptr, size int, used bool)) {
	if walker == nil {
		return
	}

	block := int(pool) - blockHeaderOverhead
	for !h.blockIsLast(block) {
		walker(blockToPtr(block), h.blockSize(block), !h.blockIsFree(block))
		block = h.blockNext(block)
	}
}

// maxChainSteps bounds diagnostic chain walks so that a corrupted size field
// cannot send them into an endless or runaway loop.
func (h *Heap) maxChainSteps() int {
	return len(h.buf)/BlockSizeMin + 2
}

// Check verifies that the free lists and bitmaps agree: a bitmap bit is set
// exactly when its bucket holds blocks, every listed block is free, properly
// coalesced, and classifies back into the bucket holding it. It reports the
// first inconsistency found and never mutates state.
func (h *Heap) Check() error {
	for fl := 0; fl < flIndexCount; fl++ {
		for sl := 0; sl < slIndexCount; sl++ {
			flBitSet := h.flBitmap&(1<<fl) != 0
			slBitSet := h.slBitmap[fl]&(1<<sl) != 0
			head := h.blocks[fl][sl]

			if !slBitSet {
				if head != nullBlock {
					return errors.Errorf("bucket (%d,%d) has blocks but its bitmap bit is clear", fl, sl)
				}
				continue
			}

			if !flBitSet {
				return errors.Errorf("second-level bitmap for class %d is set but the first-level bit is clear", fl)
			}

			if head == nullBlock {
				return errors.Errorf("bucket (%d,%d) has its bitmap bit set but holds no blocks", fl, sl)
			}

			steps := h.maxChainSteps()
			prev := nullBlock
			for b := head; b != nullBlock; b = h.nextFree(b) {
				if steps--; steps < 0 {
					return errors.Errorf("free list of bucket (%d,%d) does not terminate", fl, sl)
				}

				if b < 0 || b+blockHeaderSize > len(h.buf) {
					return errors.Errorf("bucket (%d,%d) links to block %d outside the buffer", fl, sl, b)
				}

				if !h.blockIsFree(b) {
					return errors.Errorf("block at offset %d is in the free list but is not free", b)
				}

				if h.blockIsPrevFree(b) {
					return errors.Errorf("free block at offset %d has a free predecessor that was not coalesced", b)
				}

				if h.blockIsFree(h.blockNext(b)) {
					return errors.Errorf("free block at offset %d has a free successor that was not coalesced", b)
				}

				if h.prevFree(b) != prev {
					return errors.Errorf("free block at offset %d has a broken reverse free-list link", b)
				}

				if size := h.blockSize(b); size < BlockSizeMin {
					return errors.Errorf("free block at offset %d is only %d bytes", b, size)
				}

				mappedFl, mappedSl := mappingInsert(h.blockSize(b))
				if mappedFl != fl || mappedSl != sl {
					return errors.Errorf("block at offset %d of size %d is filed in bucket (%d,%d) but classifies as (%d,%d)",
						b, h.blockSize(b), fl, sl, mappedFl, mappedSl)
				}

				prev = b
			}
		}
	}

	return nil
}

// CheckPool verifies that a pool's block chain is physically sound: block
// references stay inside the buffer and strictly advance, sizes keep the
// base alignment, each block's free bit agrees with its successor's
// prev-free bit, no two free blocks are adjacent, and the chain terminates
// at a used zero-size sentinel. It reports the first inconsistency found and
// never mutates state.
func (h *Heap) CheckPool(pool Pool) error {
	block := int(pool) - blockHeaderOverhead
	prevWasFree := false
	steps := h.maxChainSteps()

	for {
		if block < 0 || block+blockHeaderOverhead+4 > len(h.buf) {
			return errors.Errorf("block chain of pool %d runs outside the buffer at offset %d", pool, block)
		}

		if steps--; steps < 0 {
			return errors.Errorf("block chain of pool %d does not terminate", pool)
		}

		size := h.blockSize(block)

		if h.blockIsPrevFree(block) != prevWasFree {
			return errors.Errorf("block at offset %d disagrees with its predecessor's free status", block)
		}

		if h.blockIsLast(block) {
			if h.blockIsFree(block) {
				return errors.Errorf("sentinel block of pool %d is marked free", pool)
			}
			return nil
		}

		if size%AlignSize != 0 {
			return errors.Errorf("block at offset %d has unaligned size %d", block, size)
		}

		if h.blockIsFree(block) {
			if prevWasFree {
				return errors.Errorf("adjacent free blocks at offset %d were not coalesced", block)
			}
			if h.prevPhys(h.blockNext(block)) != block {
				return errors.Errorf("free block at offset %d is not linked from its successor", block)
			}
		}

		prevWasFree = h.blockIsFree(block)

		next := h.blockNext(block)
		if next <= block {
			return errors.Errorf("block chain of pool %d does not advance past offset %d", pool, block)
		}
		block = next
	}
}

// Validate runs Check plus CheckPool over every registered pool, satisfying
// heaputil.Validatable.
func (h *Heap) Validate() error {
	if err := h.Check(); err != nil {
		return err
	}

	for _, pool := range h.pools {
		if err := h.CheckPool(pool); err != nil {
			return err
		}
	}

	return nil
}

// DebugLogAllAllocations calls logFunc for every live allocation in the
// heap's pools. It is intended for leak hunting in test and bring-up builds.
func (h *Heap) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, ptr Ptr, size int)) {
	for _, pool := range h.pools {
		h.WalkPool(pool, func(ptr Ptr, size int, used bool) {
			if used {
				logFunc(logger, ptr, size)
			}
		})
	}
}

// PoolJsonData populates a json object with usage information about one pool.
func (h *Heap) PoolJsonData(json jwriter.ObjectState, pool Pool) {
	var totalBytes, unusedBytes, allocations, unusedRanges int

	h.WalkPool(pool, func(ptr Ptr, size int, used bool) {
		totalBytes += size
		if used {
			allocations++
		} else {
			unusedBytes += size
			unusedRanges++
		}
	})

	json.Name("TotalBytes").Int(totalBytes)
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocations)
	json.Name("UnusedRanges").Int(unusedRanges)
}
