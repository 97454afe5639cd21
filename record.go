package multiboot

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
)

// Fixed-layout constants from spec.md §3.
const (
	AppMagic           = uint16(0x1207)
	EraseMagic16       = uint16(0xFFFF)
	PartsMax           = 20
	DescriptionSize    = 40
	FilenameSize       = 40
	TileWidth          = 86
	TileHeight         = 48
	TileBytes          = TileWidth * TileHeight * 2 // RGB565, row-major

	partitionDescSize  = 28
	filePartitionSize  = 32
	appRecordSize      = 2 + 2 + 4 + 4 + DescriptionSize + FilenameSize + TileBytes + PartsMax*partitionDescSize + 1 + 1 + 2
)

// wireOrder is the single byte order every on-flash/on-file structure in
// this module uses. Big-endian is never used anywhere (spec.md §6.1).
var wireOrder = binary.LittleEndian

// PartitionDescriptor mirrors the embedded descriptor of spec.md §3.3: the
// form stored inside an AppRecord and inside the boot-ROM partition table.
// Two reserved bytes keep the layout at 28 bytes, matching
// original_source/main/main.c's odroid_partition_t.
type PartitionDescriptor struct {
	Type      uint8
	Subtype   uint8
	Reserved0 uint8
	Reserved1 uint8
	Label     [16]byte
	Flags     uint32
	Length    uint32
}

// FilePartitionDescriptor is the on-firmware-file form: the embedded
// descriptor plus a trailing data_length indicating how many bytes of
// actual content follow (≤ Length; the remainder is implicitly erased).
type FilePartitionDescriptor struct {
	PartitionDescriptor
	DataLength uint32
}

// LabelString returns Label trimmed at the first NUL.
func (p PartitionDescriptor) LabelString() string {
	return cStr(p.Label[:])
}

// AppRecord is the fixed-size, packed catalog entry of spec.md §3.1. It is
// created once by the installer and never mutated thereafter except to
// adjust Start/EndOffset during defragmentation (§3.6).
type AppRecord struct {
	Magic       uint16
	Flags       uint16
	StartOffset uint32
	EndOffset   uint32
	Description [DescriptionSize]byte
	Filename    [FilenameSize]byte
	Tile        [TileBytes]byte
	Parts       [PartsMax]PartitionDescriptor
	PartsCount  uint8
	Reserved0   uint8
	InstallSeq  uint16
}

// Populated reports whether the slot holds a real app (I1) as opposed to
// an erased (all-0xFF) slot.
func (a *AppRecord) Populated() bool {
	return a.Magic == AppMagic
}

// DescriptionString returns Description trimmed at the first NUL.
func (a *AppRecord) DescriptionString() string { return cStr(a.Description[:]) }

// FilenameString returns Filename trimmed at the first NUL.
func (a *AppRecord) FilenameString() string { return cStr(a.Filename[:]) }

// SetDescription copies s into Description, NUL-padded/truncated to fit.
func (a *AppRecord) SetDescription(s string) { setCStr(a.Description[:], s) }

// SetFilename copies s into Filename, NUL-padded/truncated to fit.
func (a *AppRecord) SetFilename(s string) { setCStr(a.Filename[:], s) }

// EncodeAppRecord packs a into its exact on-flash byte representation.
func EncodeAppRecord(a *AppRecord) ([]byte, error) {
	buf, err := restruct.Pack(wireOrder, a)
	if err != nil {
		return nil, newErr("EncodeAppRecord", KindFlashWriteError, err)
	}
	return buf, nil
}

// DecodeAppRecord unpacks buf (must be exactly appRecordSize bytes) into a.
func DecodeAppRecord(buf []byte, a *AppRecord) error {
	if err := restruct.Unpack(buf, wireOrder, a); err != nil {
		return newErr("DecodeAppRecord", KindFlashReadError, err)
	}
	return nil
}

func cStr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func setCStr(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
}
