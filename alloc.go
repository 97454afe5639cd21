package multiboot

import (
	"sort"

	"github.com/pkg/errors"
)

// FreeExtent is a maximal contiguous range not covered by any populated
// app record (spec.md §4.3): the gaps between successive apps, the gap
// before the first app, and the gap after the last app up to FLASH_SIZE.
type FreeExtent struct {
	Offset uint32
	Size   uint32
}

// Allocator computes free extents over the catalog and finds first-fit
// blocks, triggering the Defragmenter when a single extent is too small
// but the total free space would suffice.
type Allocator struct {
	catalog   *Catalog
	defrag    *Defragmenter
	flashSize uint32
}

// NewAllocator builds an Allocator over catalog, able to call defrag when
// first-fit alone can't satisfy a request.
func NewAllocator(catalog *Catalog, defrag *Defragmenter, flashSize uint32) *Allocator {
	return &Allocator{catalog: catalog, defrag: defrag, flashSize: flashSize}
}

// FreeExtents enumerates the free extents in ascending offset order, per
// the catalog sorted by StartOffset.
func (al *Allocator) FreeExtents() []FreeExtent {
	apps := append([]AppRecord(nil), al.catalog.Apps()...)
	sort.Slice(apps, func(i, j int) bool { return apps[i].StartOffset < apps[j].StartOffset })

	var extents []FreeExtent
	cursor := al.catalog.StartFlashAddress()
	for _, a := range apps {
		if a.StartOffset > cursor {
			extents = append(extents, FreeExtent{Offset: cursor, Size: a.StartOffset - cursor})
		}
		cursor = a.EndOffset + 1
	}
	if al.flashSize > cursor {
		extents = append(extents, FreeExtent{Offset: cursor, Size: al.flashSize - cursor})
	}
	return extents
}

// FindFreeBlock returns the offset of the first free extent (ascending
// offset) whose size is at least requestedSize. If no single extent
// suffices but the sum of all extents does, it runs the defragmenter and
// retries exactly once; if still insufficient, KindNotEnoughSpace.
func (al *Allocator) FindFreeBlock(requestedSize uint32) (uint32, error) {
	return al.findFreeBlock(requestedSize, true)
}

func (al *Allocator) findFreeBlock(requestedSize uint32, allowDefrag bool) (uint32, error) {
	extents := al.FreeExtents()

	var total uint64
	for _, e := range extents {
		if e.Size >= requestedSize {
			return e.Offset, nil
		}
		total += uint64(e.Size)
	}

	if allowDefrag && total >= uint64(requestedSize) {
		if err := al.defrag.Defrag(); err != nil {
			return 0, err
		}
		return al.findFreeBlock(requestedSize, false)
	}

	return 0, newErr("Allocator.FindFreeBlock", KindNotEnoughSpace, errors.New("no extent large enough even after defrag"))
}
