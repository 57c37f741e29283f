package mem

import "github.com/firmforge/tinyheap/tlsf"

// scratchBuf is one slot of the reusable scratch-buffer table. A slot owns
// its backing allocation across get/release cycles; the memory is only
// returned to the pool by BufFreeAll.
type scratchBuf struct {
	p    tlsf.Ptr
	size int
	used bool
}

// BufGet hands out a temporary buffer of at least size bytes, reusing a
// cached one when possible: an unused slot of exactly the requested size is
// taken immediately, otherwise the smallest unused slot still large enough.
// If no cached buffer fits, the first unused slot is grown to the requested
// size. Returns tlsf.NullPtr when size is 0 or the grow fails.
func (a *Allocator) BufGet(size int) tlsf.Ptr {
	if size == 0 {
		return tlsf.NullPtr
	}

	// Try to find a free buffer with suitable size.
	guess := -1
	for i := range a.scratch {
		if !a.scratch[i].used && a.scratch[i].size >= size {
			if a.scratch[i].size == size {
				a.scratch[i].used = true
				return a.scratch[i].p
			}
			if guess < 0 || a.scratch[i].size < a.scratch[guess].size {
				guess = i
			}
		}
	}

	if guess >= 0 {
		a.scratch[guess].used = true
		return a.scratch[guess].p
	}

	// Grow the first unused slot. If this fails the pool needs to be bigger.
	for i := range a.scratch {
		if !a.scratch[i].used {
			buf := a.Realloc(a.scratch[i].p, size)
			if buf == tlsf.NullPtr {
				return tlsf.NullPtr
			}

			a.scratch[i].used = true
			a.scratch[i].size = size
			a.scratch[i].p = buf
			return buf
		}
	}

	return tlsf.NullPtr
}

// BufRelease marks the slot owning p as reusable. The backing memory is
// retained for the next BufGet. Unknown pointers are ignored.
func (a *Allocator) BufRelease(p tlsf.Ptr) {
	for i := range a.scratch {
		if a.scratch[i].p == p {
			a.scratch[i].used = false
			return
		}
	}
}

// BufFreeAll releases every slot's backing memory to the pool and clears
// the table.
func (a *Allocator) BufFreeAll() {
	for i := range a.scratch {
		if a.scratch[i].p != tlsf.NullPtr {
			a.Free(a.scratch[i].p)
			a.scratch[i] = scratchBuf{}
		}
	}
}
