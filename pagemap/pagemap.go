// Package pagemap implements the copy-on-write, page-tracked linear
// memories backing contract state.
//
// Each PageMap owns a contiguous reserved range of MaxMemLen bytes,
// mapped private and anonymous with MAP_NORESERVE so that holding many
// large memories does not reserve physical backing. Pages may be
// sourced from the per-page files of a base commit; pages without a
// source read as zeroes. A page is dirty when its current bytes differ
// from the bytes it was materialised with.
//
// Snapshots stack. Snap records the state of the memory at a point in
// time, Revert restores the most recent snapshot (or the materialised
// state when none was taken), and Apply keeps the current state while
// discarding the snapshot. This is the mechanism sessions use to make
// nested, possibly-failing calls transactional.
package pagemap

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/govm-net/pagevm/types"
)

// PageSize is the size of a memory page in bytes.
const PageSize = types.PageSize

// MaxMemLen is the size of the reserved region of every PageMap.
const MaxMemLen = types.MaxMemLen

var zeroPage [PageSize]byte

// PageMap is a page-tracked copy-on-write linear memory.
//
// A PageMap is not safe for concurrent use. Sessions are
// single-threaded, and every PageMap belongs to exactly one session.
type PageMap struct {
	region  []byte
	length  int
	initLen int

	// pristine images of sourced pages, by page index. Pages absent
	// from the map were materialised as zeroes.
	pristine map[int][]byte

	snapshots []*snapshot
	closed    bool
}

// snapshot captures the state of the memory at Snap time: the images
// of the pages that were dirty, and the length.
type snapshot struct {
	length int
	pages  map[int][]byte
}

// New reserves a memory region and materialises it from the given
// page sources, a map from page index to the path of a file holding
// that page's bytes. The initial length is in bytes and must not
// exceed MaxMemLen.
func New(sources map[int]string, length int) (*PageMap, error) {
	if length < 0 || length > MaxMemLen {
		return nil, fmt.Errorf("%w: length %d", types.ErrInvalidMemory, length)
	}

	region, err := unix.Mmap(-1, 0, MaxMemLen,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("reserving memory region: %w", err)
	}

	pm := &PageMap{
		region:   region,
		length:   length,
		initLen:  length,
		pristine: make(map[int][]byte, len(sources)),
	}

	for idx, path := range sources {
		if idx < 0 || idx >= types.MaxPages {
			pm.Close()
			return nil, fmt.Errorf("%w: page index %d", types.ErrInvalidMemory, idx)
		}
		page, err := os.ReadFile(path)
		if err != nil {
			pm.Close()
			return nil, fmt.Errorf("reading page file %q: %w", path, err)
		}
		if len(page) != PageSize {
			pm.Close()
			return nil, fmt.Errorf("%w: page file %q holds %d bytes",
				types.ErrInvalidMemory, path, len(page))
		}
		copy(pm.region[idx*PageSize:], page)
		pm.pristine[idx] = page
	}

	return pm, nil
}

// Bytes returns the guest-visible portion of the memory. The returned
// slice aliases the region; it remains valid until Close.
func (pm *PageMap) Bytes() []byte {
	return pm.region[:pm.length]
}

// Region returns the whole reserved range, regardless of the current
// length. Used by the engine to hand wazero a reallocatable buffer.
func (pm *PageMap) Region() []byte {
	return pm.region
}

// Len returns the current length in bytes.
func (pm *PageMap) Len() int {
	return pm.length
}

// SetLen grows the guest-visible length. Growing never truncates
// data; shrinking is only possible through Revert.
func (pm *PageMap) SetLen(n int) error {
	if n < pm.length {
		return fmt.Errorf("%w: cannot shrink from %d to %d",
			types.ErrInvalidMemory, pm.length, n)
	}
	if n > MaxMemLen {
		return fmt.Errorf("%w: length %d exceeds %d",
			types.ErrMemoryAccessOutOfBounds, n, MaxMemLen)
	}
	pm.length = n
	return nil
}

func (pm *PageMap) numPages() int {
	return (pm.length + PageSize - 1) / PageSize
}

// pristinePage returns the bytes the page had when the memory was
// materialised.
func (pm *PageMap) pristinePage(idx int) []byte {
	if p, ok := pm.pristine[idx]; ok {
		return p
	}
	return zeroPage[:]
}

func (pm *PageMap) page(idx int) []byte {
	return pm.region[idx*PageSize : (idx+1)*PageSize]
}

func (pm *PageMap) isDirty(idx int) bool {
	return !bytes.Equal(pm.page(idx), pm.pristinePage(idx))
}

// DirtyPages calls fn for every dirty page in ascending offset order
// with the page's offset and current bytes. The slice passed to fn
// aliases the region and must not be retained.
func (pm *PageMap) DirtyPages(fn func(offset int, page []byte) error) error {
	n := pm.numPages()
	for idx := 0; idx < n; idx++ {
		if pm.isDirty(idx) {
			if err := fn(idx*PageSize, pm.page(idx)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Pages calls fn for every resident page — sourced or dirty — in
// ascending offset order. Pages that are neither have no content
// beyond zeroes and are skipped.
func (pm *PageMap) Pages(fn func(offset int, page []byte) error) error {
	n := pm.numPages()
	for idx := 0; idx < n; idx++ {
		_, sourced := pm.pristine[idx]
		if sourced || pm.isDirty(idx) {
			if err := fn(idx*PageSize, pm.page(idx)); err != nil {
				return err
			}
		}
	}
	return nil
}

// DirtyPageCount returns the number of dirty pages.
func (pm *PageMap) DirtyPageCount() int {
	count := 0
	n := pm.numPages()
	for idx := 0; idx < n; idx++ {
		if pm.isDirty(idx) {
			count++
		}
	}
	return count
}

// Snap records the current state of the memory. Every Snap must be
// balanced by a Revert or an Apply.
func (pm *PageMap) Snap() {
	snap := &snapshot{
		length: pm.length,
		pages:  make(map[int][]byte),
	}
	n := pm.numPages()
	for idx := 0; idx < n; idx++ {
		if pm.isDirty(idx) {
			img := make([]byte, PageSize)
			copy(img, pm.page(idx))
			snap.pages[idx] = img
		}
	}
	pm.snapshots = append(pm.snapshots, snap)
}

// Revert restores the memory to the most recent snapshot, or to the
// materialised state when no snapshot is live.
func (pm *PageMap) Revert() {
	var snap *snapshot
	if n := len(pm.snapshots); n > 0 {
		snap = pm.snapshots[n-1]
		pm.snapshots = pm.snapshots[:n-1]
	} else {
		snap = &snapshot{length: pm.initLen}
	}

	// Pages saved by the snapshot get their saved image back; pages
	// dirtied since get their pristine content back.
	cur := pm.numPages()
	for idx := 0; idx < cur; idx++ {
		if img, ok := snap.pages[idx]; ok {
			copy(pm.page(idx), img)
		} else if pm.isDirty(idx) {
			copy(pm.page(idx), pm.pristinePage(idx))
		}
	}

	// Memory grown since the snapshot must read as zeroes if grown
	// again later.
	if snap.length < pm.length {
		lo := (snap.length + PageSize - 1) / PageSize * PageSize
		for i := range pm.region[lo:pm.length] {
			pm.region[lo+i] = 0
		}
	}
	pm.length = snap.length
}

// Apply keeps the current state of the memory and discards the most
// recent snapshot. A no-op when no snapshot is live.
func (pm *PageMap) Apply() {
	if n := len(pm.snapshots); n > 0 {
		pm.snapshots = pm.snapshots[:n-1]
	}
}

// SnapDepth returns the number of live snapshots.
func (pm *PageMap) SnapDepth() int {
	return len(pm.snapshots)
}

// Close releases the reserved region. The PageMap must not be used
// afterwards.
func (pm *PageMap) Close() error {
	if pm.closed {
		return nil
	}
	pm.closed = true
	region := pm.region
	pm.region = nil
	return unix.Munmap(region)
}
