package mem

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/firmforge/tinyheap/tlsf"
)

// MonitorInfo is a snapshot of pool usage and fragmentation.
type MonitorInfo struct {
	// TotalSize is the pool's usable capacity in bytes.
	TotalSize int
	// FreeCount is the number of distinct free blocks.
	FreeCount int
	// FreeSize is the number of free bytes.
	FreeSize int
	// FreeBiggestSize is the size of the single largest free block.
	FreeBiggestSize int
	// UsedCount is the number of live allocations in the pool.
	UsedCount int
	// MaxUsed is the high-water mark of requested bytes in use.
	MaxUsed int
	// UsedPct is the percentage of the pool in use.
	UsedPct int
	// FragPct expresses how scattered the free bytes are: 0 when all free
	// memory is one block (or when none is left to fragment).
	FragPct int
}

func (m *MonitorInfo) clear() {
	*m = MonitorInfo{}
}

func (m *MonitorInfo) addFreeRange(size int) {
	m.FreeCount++
	m.FreeSize += size
	if size > m.FreeBiggestSize {
		m.FreeBiggestSize = size
	}
}

func (m *MonitorInfo) addAllocation() {
	m.UsedCount++
}

// Monitor walks the pool and derives the usage and fragmentation figures.
// It reads allocator state but never mutates it.
func (a *Allocator) Monitor() MonitorInfo {
	var mon MonitorInfo
	mon.clear()

	a.heap.WalkPool(a.pool, func(ptr tlsf.Ptr, size int, used bool) {
		if used {
			mon.addAllocation()
		} else {
			mon.addFreeRange(size)
		}
	})

	mon.TotalSize = a.totalSize
	mon.UsedPct = 100 - (100*mon.FreeSize)/mon.TotalSize
	if mon.FreeSize > 0 {
		mon.FragPct = 100 - (mon.FreeBiggestSize*100)/mon.FreeSize
	} else {
		// No fragmentation if all the memory is used.
		mon.FragPct = 0
	}
	mon.MaxUsed = a.maxUsed

	return mon
}

// JsonData populates a json object with the snapshot's fields.
func (m *MonitorInfo) JsonData(json jwriter.ObjectState) {
	json.Name("TotalSize").Int(m.TotalSize)
	json.Name("FreeCount").Int(m.FreeCount)
	json.Name("FreeSize").Int(m.FreeSize)
	json.Name("FreeBiggestSize").Int(m.FreeBiggestSize)
	json.Name("UsedCount").Int(m.UsedCount)
	json.Name("MaxUsed").Int(m.MaxUsed)
	json.Name("UsedPct").Int(m.UsedPct)
	json.Name("FragPct").Int(m.FragPct)
}
