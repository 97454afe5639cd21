package multiboot

import (
	"log"
	"sort"

	"github.com/dustin/go-humanize"
)

// Defragmenter slides populated apps downward so that, sorted by offset,
// the catalog has zero internal gaps and a single free extent absorbs all
// freed space at the end of flash (spec.md §4.4).
//
// Per the decision recorded for spec.md §9 open question 1, this
// implementation always stages the source block into a scratch buffer
// before erasing the destination block (the conservative option (b)), so
// the block being copied is never read after its destination is erased.
// Staging covers one block at a time: erasing a full FlashBlockSize
// destination block leaves the not-yet-read source blocks intact only
// because every displacement is at least one block, which holds since app
// offsets and cursors are all 64 KiB aligned (I3).
type Defragmenter struct {
	flash   Flash
	catalog *Catalog
	scratch []byte
}

// NewDefragmenter builds a Defragmenter reusing a FlashBlockSize scratch
// buffer (spec.md §5: buffers are allocated once and reused).
func NewDefragmenter(flash Flash, catalog *Catalog, scratch []byte) *Defragmenter {
	if len(scratch) < FlashBlockSize {
		scratch = make([]byte, FlashBlockSize)
	}
	return &Defragmenter{flash: flash, catalog: catalog, scratch: scratch}
}

// Defrag runs one full pass. It is idempotent: running it again over an
// already-compacted catalog performs zero moves and persists the same
// (already sorted) catalog.
func (d *Defragmenter) Defrag() error {
	apps := append([]AppRecord(nil), d.catalog.Apps()...)
	sort.Slice(apps, func(i, j int) bool { return apps[i].StartOffset < apps[j].StartOffset })

	var totalToMove uint64
	cursor := d.catalog.StartFlashAddress()
	for _, a := range apps {
		if a.StartOffset > cursor {
			totalToMove += uint64(a.EndOffset) - uint64(a.StartOffset) + 1
		}
		cursor = a.EndOffset + 1
	}
	if totalToMove > 0 {
		log.Printf("defrag: moving %s", humanize.Bytes(totalToMove))
	}

	var moved uint64
	cursor = d.catalog.StartFlashAddress()
	for i := range apps {
		a := &apps[i]
		if a.StartOffset > cursor {
			size := a.EndOffset - a.StartOffset + 1
			oldOffset := a.StartOffset
			newOffset := cursor

			for b := uint32(0); b < size; b += FlashBlockSize {
				chunk := d.scratch[:FlashBlockSize]
				if err := d.flash.ReadAt(oldOffset+b, chunk); err != nil {
					return newErr("Defrag", KindFlashReadError, err)
				}
				if err := d.flash.EraseAt(newOffset+b, FlashBlockSize); err != nil {
					return newErr("Defrag", KindFlashEraseError, err)
				}
				if err := d.flash.WriteAt(newOffset+b, chunk); err != nil {
					return newErr("Defrag", KindFlashWriteError, err)
				}
				moved += FlashBlockSize
				log.Printf("defrag: moved %s of %s", humanize.Bytes(moved), humanize.Bytes(totalToMove))
			}

			a.StartOffset = newOffset
			a.EndOffset = newOffset + size - 1
		}
		cursor = a.EndOffset + 1
	}

	d.catalog.apps = apps
	return d.catalog.persist()
}
