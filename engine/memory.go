package engine

import (
	"github.com/tetratelabs/wazero/experimental"

	"github.com/govm-net/pagevm/pagemap"
)

// pageMapMemory backs a wazero linear memory with a PageMap region, so
// guest writes land directly in the session's tracked memory.
//
// Free is a no-op: the PageMap outlives the instance, which is torn
// down after every call.
type pageMapMemory struct {
	pm *pagemap.PageMap
}

func (m *pageMapMemory) Reallocate(size uint64) []byte {
	if int(size) > m.pm.Len() {
		if err := m.pm.SetLen(int(size)); err != nil {
			return nil
		}
	}
	return m.pm.Region()[:size]
}

func (m *pageMapMemory) Free() {}

// allocatorFor returns a MemoryAllocator handing out the given
// PageMap as the single linear memory of the instance.
func allocatorFor(pm *pagemap.PageMap) experimental.MemoryAllocator {
	return experimental.MemoryAllocatorFunc(
		func(cap, max uint64) experimental.LinearMemory {
			return &pageMapMemory{pm: pm}
		})
}
