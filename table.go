package multiboot

import (
	"github.com/go-restruct/restruct"

	"github.com/pkg/errors"
)

const (
	// TableMax is the fixed length of the boot-ROM partition-table blob
	// (spec.md §4.1). The compile-time contract TableSizeExceeds4KiB
	// requires TableMax <= EraseBlockSize.
	TableMax = 0xC00

	tableEntryMagic = uint16(0x50AA)
	tableEntrySize  = 32

	// PartTypeData / PartSubtypeCatalog locate the catalog partition in
	// the factory table (spec.md §6.2).
	PartTypeData      = uint8(0x01)
	PartSubtypeCatalog = uint8(0xFE)

	// PartSubtypeNvs locates the factory NVS (key-value store) partition
	// erase_nvm() clears (spec.md §6.4).
	PartSubtypeNvs = uint8(0x02)
)

func init() {
	if TableMax > EraseBlockSize {
		panic(newErr("init", KindTableSizeExceeds4KiB, errors.New("TABLE_MAX exceeds 4 KiB")))
	}
}

// TableEntry is one 32-byte entry of the boot-ROM's partition table.
type TableEntry struct {
	Magic   uint16
	Type    uint8
	Subtype uint8
	Offset  uint32
	Size    uint32
	Label   [16]byte
	Flags   uint32
}

// Terminator reports whether e marks the end of the entry list.
func (e TableEntry) Terminator() bool { return e.Magic != tableEntryMagic }

// TableCodec reads and writes the fixed-length partition-table blob at
// TableOffset (board-defined), per spec.md §4.1.
type TableCodec struct {
	flash       Flash
	tableOffset uint32
}

// NewTableCodec constructs a codec for the table at tableOffset.
func NewTableCodec(flash Flash, tableOffset uint32) *TableCodec {
	return &TableCodec{flash: flash, tableOffset: tableOffset}
}

// Load reads the blob and returns entries up to (not including) the
// terminator, validating magic on each.
func (c *TableCodec) Load() ([]TableEntry, error) {
	raw := make([]byte, TableMax)
	if err := c.flash.ReadAt(c.tableOffset, raw); err != nil {
		return nil, newErr("TableCodec.Load", KindFlashReadError, err)
	}

	var entries []TableEntry
	for off := 0; off+tableEntrySize <= len(raw); off += tableEntrySize {
		var e TableEntry
		if err := restruct.Unpack(raw[off:off+tableEntrySize], wireOrder, &e); err != nil {
			return nil, newErr("TableCodec.Load", KindNoCatalogPartition, err)
		}
		if e.Terminator() {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// FindCatalogPartition returns the index immediately after the catalog
// data partition (subtype PartSubtypeCatalog) in entries, and the entry
// itself. Returns an error classified KindNoCatalogPartition if absent.
func FindCatalogPartition(entries []TableEntry) (startIdx int, catalog TableEntry, err error) {
	for i, e := range entries {
		if e.Type == PartTypeData && e.Subtype == PartSubtypeCatalog {
			return i + 1, e, nil
		}
	}
	return 0, TableEntry{}, newErr("FindCatalogPartition", KindNoCatalogPartition, errors.New("no catalog partition in factory table"))
}

// FindNvsPartition returns the factory NVS (key-value store) partition
// (type DATA, subtype 0x02). Returns an error classified
// KindNoCatalogPartition (the same "couldn't locate a partition in the
// factory table" configuration failure FindCatalogPartition raises) if
// absent.
func FindNvsPartition(entries []TableEntry) (TableEntry, error) {
	for _, e := range entries {
		if e.Type == PartTypeData && e.Subtype == PartSubtypeNvs {
			return e, nil
		}
	}
	return TableEntry{}, newErr("FindNvsPartition", KindNoCatalogPartition, errors.New("no nvs partition in factory table"))
}

// WriteFactory writes entries verbatim as the factory partition table:
// no app partitions follow yet, just the board's fixed bootloader/NVS/
// catalog entries. Used to provision a fresh flash image (tests and
// cmd/multibootctl's "init" action); a real board ships this burned in
// at the factory, per spec.md's glossary entry for "Factory partition
// table".
func (c *TableCodec) WriteFactory(entries []TableEntry) error {
	return c.Rewrite(entries, len(entries), 0, nil)
}

// DefaultFactoryTable returns a representative 5-entry factory table
// (bootloader, nvs, otadata, phy_init, catalog) with the catalog data
// partition as the last entry, matching spec.md §8 scenario 5's "catalog
// entry index for catalog data partition = 4".
func DefaultFactoryTable(catalogOffset, catalogSize uint32) []TableEntry {
	label := func(s string) (out [16]byte) {
		copy(out[:], s)
		return
	}
	// nvs starts right after TableMax's worth of room past DefaultTableOffset
	// (0x9000), so erase_nvm() can never clobber the partition table blob
	// itself.
	return []TableEntry{
		{Magic: tableEntryMagic, Type: 0x00, Subtype: 0x00, Offset: 0x1000, Size: 0x7000, Label: label("bootloader")},
		{Magic: tableEntryMagic, Type: PartTypeData, Subtype: PartSubtypeNvs, Offset: 0xA000, Size: 0x6000, Label: label("nvs")},
		{Magic: tableEntryMagic, Type: PartTypeData, Subtype: 0x00, Offset: 0x10000, Size: 0x2000, Label: label("otadata")},
		{Magic: tableEntryMagic, Type: PartTypeData, Subtype: 0x01, Offset: 0x12000, Size: 0x1000, Label: label("phy_init")},
		{Magic: tableEntryMagic, Type: PartTypeData, Subtype: PartSubtypeCatalog, Offset: catalogOffset, Size: catalogSize, Label: label("catalog")},
	}
}

// Rewrite implements spec.md §4.1's rewrite operation:
//  1. preserve entries[:startTableEntry] verbatim (the factory prefix,
//     including the catalog data partition itself);
//  2. append one entry per parts, offset = baseFlashOffset + sum of
//     prior lengths, size = part.Length;
//  3. zero-fill (0xFF) the remainder up to TableMax;
//  4. erase the single erase-block-sized sector at tableOffset and write
//     the blob;
//  5. ask the boot ROM to reload the partition table.
func (c *TableCodec) Rewrite(factory []TableEntry, startTableEntry int, baseFlashOffset uint32, parts []PartitionDescriptor) error {
	if startTableEntry > len(factory) {
		return newErr("TableCodec.Rewrite", KindNoCatalogPartition, errors.New("start_table_entry beyond factory table"))
	}

	out := make([]TableEntry, 0, len(factory)+len(parts))
	out = append(out, factory[:startTableEntry]...)

	cursor := baseFlashOffset
	for _, p := range parts {
		out = append(out, TableEntry{
			Magic:   tableEntryMagic,
			Type:    p.Type,
			Subtype: p.Subtype,
			Offset:  cursor,
			Size:    p.Length,
			Label:   p.Label,
			Flags:   p.Flags,
		})
		cursor += p.Length
	}

	blob := make([]byte, TableMax)
	for i := range blob {
		blob[i] = 0xFF
	}
	for i, e := range out {
		off := i * tableEntrySize
		if off+tableEntrySize > len(blob) {
			return newErr("TableCodec.Rewrite", KindTableSizeExceeds4KiB, errors.New("entries exceed TABLE_MAX"))
		}
		enc, err := restruct.Pack(wireOrder, &e)
		if err != nil {
			return newErr("TableCodec.Rewrite", KindFlashWriteError, err)
		}
		copy(blob[off:off+tableEntrySize], enc)
	}

	eraseLen := align_to(uint64(TableMax), uint64(EraseBlockSize))
	if err := c.flash.EraseAt(c.tableOffset, uint32(eraseLen)); err != nil {
		return newErr("TableCodec.Rewrite", KindFlashEraseError, err)
	}
	if err := c.flash.WriteAt(c.tableOffset, blob); err != nil {
		return newErr("TableCodec.Rewrite", KindFlashWriteError, err)
	}
	if err := c.flash.ReloadPartitionTable(); err != nil {
		return newErr("TableCodec.Rewrite", KindFlashWriteError, err)
	}
	return nil
}
