package multiboot

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"multiboot/stub"
)

const (
	// FlashBlockSize is the logical unit used for defrag copy/read (64 KiB).
	FlashBlockSize = 64 * 1024
	// EraseBlockSize is the physical erase granularity the flash driver
	// requires (4 KiB).
	EraseBlockSize = 4 * 1024

	// DefaultFlashSize is the board's total external SPI NOR capacity used
	// throughout spec.md §8's seed end-to-end scenarios (16 MiB).
	DefaultFlashSize = 0x1000000
	// DefaultTableOffset is a representative board's partition-table
	// offset; cmd/multibootctl accepts this as the layout of its
	// simulated flash image.
	DefaultTableOffset = 0x9000

	// DefaultCatalogOffset/DefaultCatalogApps describe the catalog
	// partition cmd/multibootctl's "init" action provisions, matching
	// spec.md §8's apps_max = 16. 0x13000 sits right after
	// DefaultFactoryTable's phy_init entry.
	DefaultCatalogOffset = 0x13000
	DefaultCatalogApps   = 16
)

// Flash is the thin, synchronous erase-before-write abstraction spec.md §1
// treats as an external collaborator: flash_read/flash_erase/flash_write,
// plus the three primitives the boot ROM exposes for reloading a partition
// table, pointing the boot slot at a partition, and rebooting into it.
type Flash interface {
	ReadAt(off uint32, buf []byte) error
	// EraseAt erases length bytes starting at off; both must be multiples
	// of EraseBlockSize.
	EraseAt(off uint32, length uint32) error
	WriteAt(off uint32, data []byte) error
	Size() uint32

	// ReloadPartitionTable asks the boot ROM to re-read the partition
	// table blob after TableCodec.Rewrite has written it.
	ReloadPartitionTable() error
	// SetBootPartition points the OTA boot pointer at a partition offset.
	SetBootPartition(offset uint32) error
	// Restart issues the hardware reset. In tests/CLI use this merely
	// records that a restart was requested.
	Restart() error
}

// FileFlash backs Flash with an mmap-ed regular file, standing in for SPI
// NOR the way the teacher's bootimg.go/patch.go mmap a boot image for
// in-place reads and hex patches. Used both by cmd/multibootctl (the image
// file on disk stands in for the device's flash chip) and by every
// component's tests (spec.md §8's "flash simulator").
type FileFlash struct {
	file *os.File
	m    mmap.MMap

	reloaded    int
	bootOffset  uint32
	restarted   bool
}

// NewFileFlash opens (creating if absent) a flat file of exactly size
// bytes and maps it RDWR. A freshly created file reads as all 0xFF, the
// natural post-erase state of NOR flash.
func NewFileFlash(path string, size uint32) (*FileFlash, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, newErr("NewFileFlash", KindFlashReadError, err)
	}

	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, newErr("NewFileFlash", KindFlashReadError, err)
	}
	if st.Size() != int64(size) {
		if err := fd.Truncate(int64(size)); err != nil {
			fd.Close()
			return nil, newErr("NewFileFlash", KindFlashReadError, err)
		}
		if st.Size() == 0 {
			blank := make([]byte, size)
			for i := range blank {
				blank[i] = 0xFF
			}
			if _, err := fd.WriteAt(blank, 0); err != nil {
				fd.Close()
				return nil, newErr("NewFileFlash", KindFlashWriteError, err)
			}
		}
	}

	m, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, newErr("NewFileFlash", KindFlashReadError, err)
	}

	return &FileFlash{file: fd, m: m}, nil
}

func (f *FileFlash) Close() error {
	if err := f.m.Unmap(); err != nil {
		return err
	}
	return f.file.Close()
}

func (f *FileFlash) Size() uint32 { return uint32(len(f.m)) }

func (f *FileFlash) ReadAt(off uint32, buf []byte) error {
	if uint64(off)+uint64(len(buf)) > uint64(len(f.m)) {
		return newErr("Flash.ReadAt", KindFlashReadError, errors.New("out of range"))
	}
	copy(buf, f.m[off:off+uint32(len(buf))])
	return nil
}

func (f *FileFlash) EraseAt(off uint32, length uint32) error {
	if off%EraseBlockSize != 0 || length%EraseBlockSize != 0 {
		return newErr("Flash.EraseAt", KindFlashEraseError, errors.New("not erase-block aligned"))
	}
	if uint64(off)+uint64(length) > uint64(len(f.m)) {
		return newErr("Flash.EraseAt", KindFlashEraseError, errors.New("out of range"))
	}
	region := f.m[off : off+length]
	for i := range region {
		region[i] = 0xFF
	}
	return f.sync()
}

func (f *FileFlash) WriteAt(off uint32, data []byte) error {
	if uint64(off)+uint64(len(data)) > uint64(len(f.m)) {
		return newErr("Flash.WriteAt", KindFlashWriteError, errors.New("out of range"))
	}
	copy(f.m[off:off+uint32(len(data))], data)
	return f.sync()
}

func (f *FileFlash) sync() error {
	if err := f.m.Flush(); err != nil {
		return newErr("Flash.sync", KindFlashWriteError, err)
	}
	return stub.Fsync(f.file)
}

func (f *FileFlash) ReloadPartitionTable() error {
	f.reloaded++
	return nil
}

func (f *FileFlash) SetBootPartition(offset uint32) error {
	f.bootOffset = offset
	return nil
}

func (f *FileFlash) Restart() error {
	f.restarted = true
	return nil
}

// Reloaded reports how many times ReloadPartitionTable was called; tests
// use this to confirm boot handoff actually asked the ROM to reload.
func (f *FileFlash) Reloaded() int { return f.reloaded }

// BootOffset reports the offset passed to the most recent SetBootPartition.
func (f *FileFlash) BootOffset() uint32 { return f.bootOffset }

// Restarted reports whether Restart was called.
func (f *FileFlash) Restarted() bool { return f.restarted }
