// Package mem wraps the tlsf engine as a runtime allocation facade: one
// statically sized pool, a zero-size sentinel result, byte-usage accounting,
// heap monitoring and a small cache of reusable scratch buffers.
//
// The facade follows the runtime's single-threaded cooperative model and
// performs no locking of its own.
package mem

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/firmforge/tinyheap/tlsf"
)

const (
	// DefaultPoolSize is the size of the managed pool when the Config does
	// not name one.
	DefaultPoolSize = 64 * 1024

	// DefaultScratchSlots is the capacity of the scratch-buffer table when
	// the Config does not name one.
	DefaultScratchSlots = 16

	// zeroMemSentinel is the value of the allocator's zero-size sentinel
	// word; SelfTest verifies it has not been disturbed.
	zeroMemSentinel uint32 = 0xa1b2c3d4
)

// ZeroPtr is the shared result of every zero-byte allocation. It is a
// reserved offset that never addresses pool memory, distinguishing a valid
// empty allocation from allocation failure (tlsf.NullPtr).
const ZeroPtr tlsf.Ptr = -1

// Config carries the construction parameters for an Allocator.
type Config struct {
	// PoolSize is the capacity in bytes of the backing pool. The pool is
	// sized once; it never grows.
	PoolSize int

	// ScratchSlots is the capacity of the scratch-buffer table.
	ScratchSlots int

	// Logger, when non-nil, receives allocation-failure and leak reports.
	Logger *slog.Logger
}

// Allocator is the allocation facade over one tlsf.Heap with a single pool.
// It is process-wide mutable state in the runtime: at most one
// allocation-affecting call may be in flight at a time.
type Allocator struct {
	heap *tlsf.Heap
	pool tlsf.Pool
	buf  []byte

	// totalSize is the pool's usable capacity, fixed at construction.
	totalSize int

	curUsed int
	maxUsed int

	zeroMem uint32

	live *swiss.Map[tlsf.Ptr, int]

	scratch []scratchBuf

	logger *slog.Logger
}

// New builds an Allocator with a freshly initialized pool.
func New(config Config) (*Allocator, error) {
	if config.PoolSize == 0 {
		config.PoolSize = DefaultPoolSize
	}
	if config.ScratchSlots == 0 {
		config.ScratchSlots = DefaultScratchSlots
	}

	if config.PoolSize < 0 {
		return nil, cerrors.Newf("pool size %d is negative", config.PoolSize)
	}
	if config.ScratchSlots < 0 {
		return nil, cerrors.Newf("scratch slot count %d is negative", config.ScratchSlots)
	}

	a := &Allocator{
		buf:     make([]byte, tlsf.ControlSize+config.PoolSize),
		scratch: make([]scratchBuf, config.ScratchSlots),
		logger:  config.Logger,
	}

	if err := a.init(); err != nil {
		return nil, cerrors.Wrap(err, "establishing the allocator pool")
	}

	return a, nil
}

func (a *Allocator) init() error {
	heap, pool, err := tlsf.NewWithPool(a.buf)
	if err != nil {
		return err
	}

	a.heap = heap
	a.pool = pool
	a.zeroMem = zeroMemSentinel
	a.curUsed = 0
	a.maxUsed = 0
	a.live = swiss.NewMap[tlsf.Ptr, int](42)

	for i := range a.scratch {
		a.scratch[i] = scratchBuf{}
	}

	// The pool's usable capacity is whatever the bootstrap free block spans.
	a.totalSize = 0
	a.heap.WalkPool(a.pool, func(ptr tlsf.Ptr, size int, used bool) {
		a.totalSize += size
	})

	return nil
}

// Reset drops every live allocation, reports leaks to the logger, and
// re-establishes the pool as if the allocator were freshly constructed.
func (a *Allocator) Reset() {
	if a.logger != nil && a.live.Count() > 0 {
		a.logger.Warn("allocations still live at reset", slog.Int("count", a.live.Count()))
		a.live.Iter(func(p tlsf.Ptr, size int) bool {
			a.logger.Warn("leaked allocation", slog.Int("ptr", int(p)), slog.Int("size", size))
			return false
		})
	}

	a.heap.Destroy()
	// init cannot fail here: the buffer already carried a valid pool once.
	_ = a.init()
}

// Alloc allocates size bytes from the pool. A zero-byte request yields
// ZeroPtr without consuming pool memory; exhaustion yields tlsf.NullPtr.
func (a *Allocator) Alloc(size int) tlsf.Ptr {
	if size == 0 {
		return ZeroPtr
	}

	p := a.heap.Malloc(size)
	if p == tlsf.NullPtr {
		if a.logger != nil {
			mon := a.Monitor()
			a.logger.Warn("pool exhausted",
				slog.Int("size", size),
				slog.Int("free_size", mon.FreeSize),
				slog.Int("free_biggest_size", mon.FreeBiggestSize),
				slog.Int("frag_pct", mon.FragPct))
		}
		return tlsf.NullPtr
	}

	a.curUsed += size
	if a.curUsed > a.maxUsed {
		a.maxUsed = a.curUsed
	}
	a.live.Put(p, size)

	return p
}

// Free releases an allocation. ZeroPtr and tlsf.NullPtr are defined no-ops.
func (a *Allocator) Free(p tlsf.Ptr) {
	if p == ZeroPtr || p == tlsf.NullPtr {
		return
	}

	size := a.heap.Free(p)
	a.live.Delete(p)

	// The engine reports the padded block size while Alloc counted the
	// requested size; clamp so that drift cannot wrap the counter.
	if a.curUsed > size {
		a.curUsed -= size
	} else {
		a.curUsed = 0
	}
}

// Realloc resizes an allocation, keeping its content. Size 0 frees and
// yields ZeroPtr; reallocating ZeroPtr or NullPtr behaves as Alloc. On
// failure it returns tlsf.NullPtr and the original allocation is untouched.
func (a *Allocator) Realloc(p tlsf.Ptr, size int) tlsf.Ptr {
	if size == 0 {
		a.Free(p)
		return ZeroPtr
	}

	if p == ZeroPtr || p == tlsf.NullPtr {
		return a.Alloc(size)
	}

	np := a.heap.Realloc(p, size)
	if np == tlsf.NullPtr {
		return tlsf.NullPtr
	}

	a.live.Delete(p)
	a.live.Put(np, size)

	return np
}

// Bytes returns the usable area of an allocation. ZeroPtr resolves to an
// empty slice; NullPtr to nil.
func (a *Allocator) Bytes(p tlsf.Ptr) []byte {
	if p == ZeroPtr {
		return []byte{}
	}
	return a.heap.Bytes(p)
}

// BlockSize reports the padded size of an allocation, 0 for ZeroPtr and
// NullPtr.
func (a *Allocator) BlockSize(p tlsf.Ptr) int {
	if p == ZeroPtr {
		return 0
	}
	return a.heap.BlockSize(p)
}

// LiveCount reports the number of allocations currently outstanding.
func (a *Allocator) LiveCount() int {
	return a.live.Count()
}

// SelfTest verifies the zero-size sentinel word and runs the engine's
// free-list and block-chain consistency checks. It reports problems without
// altering any state.
func (a *Allocator) SelfTest() error {
	if a.zeroMem != zeroMemSentinel {
		return cerrors.Newf("zero-size sentinel was overwritten: 0x%08x", a.zeroMem)
	}

	if err := a.heap.Check(); err != nil {
		return cerrors.Wrap(err, "free-list index inconsistent")
	}

	if err := a.heap.CheckPool(a.pool); err != nil {
		return cerrors.Wrap(err, "block chain inconsistent")
	}

	return nil
}
