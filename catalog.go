package multiboot

import (
	"sort"

	"github.com/pkg/errors"
)

// Catalog is the in-memory, mutable view of the app-catalog partition
// (spec.md §4.2): an array of at most AppsMax records, persisted with
// invariant I5 (populated prefix, sorted by StartOffset, all-0xFF tail).
type Catalog struct {
	flash       Flash
	partOffset  uint32
	partSize    uint32
	appsMax     int

	apps            []AppRecord
	nextInstallSeq  uint16
	startFlashAddr  uint32
}

// NewCatalog constructs an (unloaded) Catalog bound to the catalog
// partition described by partOffset/partSize.
func NewCatalog(flash Flash, partOffset, partSize uint32) *Catalog {
	return &Catalog{
		flash:      flash,
		partOffset: partOffset,
		partSize:   partSize,
		appsMax:    int(partSize) / appRecordSize,
	}
}

// AppsMax is the number of record slots the catalog partition holds.
func (c *Catalog) AppsMax() int { return c.appsMax }

// StartFlashAddress is start_flash_address = align_up(catalog.end, 64 KiB),
// the first byte of the flashable-app region (spec.md §3.2).
func (c *Catalog) StartFlashAddress() uint32 { return c.startFlashAddr }

// Apps returns the populated records, in their current in-memory order
// (ascending StartOffset after any Load/persist cycle).
func (c *Catalog) Apps() []AppRecord { return c.apps }

// Load reads the whole partition, populating records while Magic==AppMagic
// and stopping at the first non-populated slot (relying on the I5 sort
// invariant). It recomputes next_install_seq and start_flash_address.
func (c *Catalog) Load() error {
	c.startFlashAddr = uint32(align_to(uint64(c.partOffset)+uint64(c.partSize), FlashBlockSize))

	raw := make([]byte, c.partSize)
	if err := c.flash.ReadAt(c.partOffset, raw); err != nil {
		return newErr("Catalog.Load", KindFlashReadError, err)
	}

	c.apps = c.apps[:0]
	maxSeq := -1
	for i := 0; i < c.appsMax; i++ {
		off := i * appRecordSize
		var a AppRecord
		if err := DecodeAppRecord(raw[off:off+appRecordSize], &a); err != nil {
			return err
		}
		if !a.Populated() {
			break
		}
		c.apps = append(c.apps, a)
		if int(a.InstallSeq) > maxSeq {
			maxSeq = int(a.InstallSeq)
		}
	}
	c.nextInstallSeq = uint16(maxSeq + 1)
	return nil
}

// NextInstallSeq returns the monotonic counter the next installed app
// should receive.
func (c *Catalog) NextInstallSeq() uint16 { return c.nextInstallSeq }

// persist sorts populated slots by StartOffset (I5), pads the tail with
// 0xFF, erases the whole catalog partition, and writes the full blob in
// one pass.
func (c *Catalog) persist() error {
	sort.Slice(c.apps, func(i, j int) bool {
		return c.apps[i].StartOffset < c.apps[j].StartOffset
	})

	blob := make([]byte, c.partSize)
	for i := range blob {
		blob[i] = 0xFF
	}
	for i, a := range c.apps {
		enc, err := EncodeAppRecord(&a)
		if err != nil {
			return err
		}
		off := i * appRecordSize
		copy(blob[off:off+appRecordSize], enc)
	}

	// The erase unit is EraseBlockSize; a catalog partition whose size
	// isn't an exact multiple leaves a few already-erased trailing bytes
	// erased again, which is harmless (the app region starts at the next
	// FlashBlockSize boundary, well past any such slack).
	eraseLen := align_to(uint64(c.partSize), uint64(EraseBlockSize))
	if err := c.flash.EraseAt(c.partOffset, uint32(eraseLen)); err != nil {
		return newErr("Catalog.persist", KindFlashEraseError, err)
	}
	if err := c.flash.WriteAt(c.partOffset, blob); err != nil {
		return newErr("Catalog.persist", KindFlashWriteError, err)
	}
	return nil
}

// Add appends record to the catalog and persists (I4 requires distinct
// InstallSeq values; callers use NextInstallSeq to satisfy that).
func (c *Catalog) Add(record AppRecord) error {
	if len(c.apps) >= c.appsMax {
		return newErr("Catalog.Add", KindAllocFailure, errors.New("catalog is full"))
	}
	c.apps = append(c.apps, record)
	if err := c.persist(); err != nil {
		c.apps = c.apps[:len(c.apps)-1]
		return err
	}
	if record.InstallSeq >= c.nextInstallSeq {
		c.nextInstallSeq = record.InstallSeq + 1
	}
	return nil
}

// Remove deletes the populated slot at index (after the most recent
// Load/Add, i.e. ascending-StartOffset order) and persists. Per spec.md §9
// open question 3, the shift is clamped to len(c.apps)-index-1, never to
// a capacity-derived count, so it can never read past the live slice.
func (c *Catalog) Remove(index int) error {
	if index < 0 || index >= len(c.apps) {
		return newErr("Catalog.Remove", KindAllocFailure, errors.New("index out of range"))
	}
	removed := c.apps[index]
	c.apps = append(c.apps[:index:index], c.apps[index+1:]...)
	if err := c.persist(); err != nil {
		c.apps = append(c.apps[:index:index], append([]AppRecord{removed}, c.apps[index:]...)...)
		return err
	}
	return nil
}

// Clear destroys all app records (erase-all): it zeroes the catalog
// partition without touching the flash contents of the apps themselves,
// which become inaccessible free space (spec.md §3.6).
func (c *Catalog) Clear() error {
	c.apps = c.apps[:0]
	if err := c.persist(); err != nil {
		return err
	}
	c.nextInstallSeq = 0
	return nil
}
