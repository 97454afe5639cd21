package multiboot

import (
	"github.com/pkg/errors"
)

// PartTypeApp / PartSubtypeOTA0 identify the single application boot slot
// whose contents the bootloader rewrites per app (spec.md glossary: OTA_0).
const (
	PartTypeApp    = uint8(0x00)
	PartSubtypeOTA0 = uint8(0x10)
)

// BootHandoff rewrites the partition table to expose app's partitions,
// points the OTA boot pointer at the OTA_0 slot, and restarts — the
// final step of both §4.7 (CatalogCommitted → BootReady) and §4.8
// (boot_app).
type BootHandoff struct {
	flash Flash
	table *TableCodec
}

// NewBootHandoff builds a BootHandoff over flash/table.
func NewBootHandoff(flash Flash, table *TableCodec) *BootHandoff {
	return &BootHandoff{flash: flash, table: table}
}

// Boot implements boot_app(a) (spec.md §4.8):
//  1. rewrite the partition table: preserve factory entries up to and
//     including the catalog data partition, then append a.Parts at
//     successive offsets starting at a.StartOffset;
//  2. set the OTA boot pointer to the first OTA_0 partition found;
//  3. restart.
func (h *BootHandoff) Boot(a *AppRecord) error {
	factory, err := h.table.Load()
	if err != nil {
		return err
	}
	startIdx, _, err := FindCatalogPartition(factory)
	if err != nil {
		return err
	}

	parts := a.Parts[:a.PartsCount]
	if err := h.table.Rewrite(factory, startIdx, a.StartOffset, parts); err != nil {
		return err
	}

	bootOffset, err := h.findOTA0Offset(a)
	if err != nil {
		return err
	}
	if err := h.flash.SetBootPartition(bootOffset); err != nil {
		return newErr("BootHandoff.Boot", KindFlashWriteError, err)
	}

	return h.flash.Restart()
}

func (h *BootHandoff) findOTA0Offset(a *AppRecord) (uint32, error) {
	offset := a.StartOffset
	for i := 0; i < int(a.PartsCount); i++ {
		p := a.Parts[i]
		if p.Type == PartTypeApp && p.Subtype == PartSubtypeOTA0 {
			return offset, nil
		}
		offset += p.Length
	}
	return 0, newErr("BootHandoff.findOTA0Offset", KindNoBootPartition, errors.New("no OTA_0 partition after rewrite"))
}
