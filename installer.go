package multiboot

import (
	"io"
	"log"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// State is a step of the installer state machine (spec.md §4.7).
type State int

const (
	StateIdle State = iota
	StateParsed
	StateVerified
	StateAllocated
	StateErasing
	StateWriting
	StatePartDone
	StateAllPartsDone
	StateCatalogCommitted
	StateBootReady
)

// Installer drives a single firmware install end to end: verify →
// allocate → erase → write → commit catalog → (optional) boot handoff.
// Any fatal error prior to StateCatalogCommitted leaves the catalog
// unchanged; the partially written flash region is referenced by no app
// record and is reclaimed as free space by the next install.
type Installer struct {
	flash   Flash
	catalog *Catalog
	alloc   *Allocator
	scratch []byte

	State State
	App   AppRecord
}

// NewInstaller builds an Installer sharing ctx's flash, catalog,
// allocator and FlashBlockSize scratch buffer.
func NewInstaller(ctx *BootloaderContext) *Installer {
	return &Installer{
		flash:   ctx.Flash,
		catalog: ctx.Catalog,
		alloc:   ctx.Allocator,
		scratch: ctx.BlockScratch,
	}
}

// Parse runs ParseFirmware over r/fileSize and, on success, advances to
// StateParsed.
func (in *Installer) Parse(r io.ReadSeeker, fileSize int64) (*Firmware, error) {
	fw, err := ParseFirmware(r, fileSize)
	if err != nil {
		return nil, err
	}
	in.State = StateParsed
	return fw, nil
}

// Verify recomputes and checks the CRC-32, advancing to StateVerified.
func (in *Installer) Verify(r io.ReadSeeker, fileSize int64, fw *Firmware) error {
	if in.State != StateParsed {
		return newErr("Installer.Verify", KindInvalidFirmware, errors.New("not in Parsed state"))
	}
	if err := VerifyChecksum(r, fileSize, fw); err != nil {
		return err
	}
	in.State = StateVerified
	return nil
}

// Allocate finds a free block for fw.FlashSize and seeds the in-memory
// app record (spec.md §4.7 Allocated → Erasing(0) initialization),
// advancing to StateAllocated. sourcePath is the SD-card path to the
// firmware file, used to derive Filename's basename.
func (in *Installer) Allocate(fw *Firmware, sourcePath string) error {
	if in.State != StateVerified {
		return newErr("Installer.Allocate", KindInvalidFirmware, errors.New("not in Verified state"))
	}
	if len(in.catalog.Apps()) >= in.catalog.AppsMax() {
		return newErr("Installer.Allocate", KindAllocFailure, errors.New("catalog is full"))
	}

	offset, err := in.alloc.FindFreeBlock(fw.FlashSize)
	if err != nil {
		return err
	}

	var app AppRecord
	app.Magic = AppMagic
	app.StartOffset = offset
	app.PartsCount = 0
	app.InstallSeq = in.catalog.NextInstallSeq()
	app.SetDescription(fw.Header.DescriptionString())
	app.SetFilename("/" + path.Base(sourcePath))
	copy(app.Tile[:], fw.Header.Tile[:])

	in.App = app
	in.State = StateAllocated
	log.Printf("install: allocated %s at 0x%x", humanize.Bytes(uint64(fw.FlashSize)), offset)
	return nil
}

// WriteAll drives Erasing(i) → Writing(i) → PartDone(i) for every
// partition in fw, reading each partition's data_length bytes from r
// (seeking straight to its DataFileOffset) in FlashBlockSize chunks.
// Bytes beyond data_length remain erased (0xFF).
func (in *Installer) WriteAll(r io.ReadSeeker, fw *Firmware) error {
	if in.State != StateAllocated {
		return newErr("Installer.WriteAll", KindInvalidFirmware, errors.New("not in Allocated state"))
	}

	current := in.App.StartOffset
	for i, part := range fw.Parts {
		in.State = StateErasing
		eraseLen := uint32(align_to(uint64(part.Length), uint64(EraseBlockSize)))
		if err := in.flash.EraseAt(current, eraseLen); err != nil {
			return newErr("Installer.WriteAll", KindFlashEraseError, err)
		}

		in.State = StateWriting
		if _, err := r.Seek(part.DataFileOffset, io.SeekStart); err != nil {
			return newErr("Installer.WriteAll", KindSeekError, err)
		}
		if err := in.writePartitionData(r, current, part.DataLength); err != nil {
			return err
		}

		in.State = StatePartDone
		in.App.Parts[i] = part.PartitionDescriptor
		current += part.Length
		in.App.PartsCount++

		log.Printf("install: wrote partition %d/%d (%s)", i+1, len(fw.Parts), humanize.Bytes(uint64(part.Length)))
	}

	in.State = StateAllPartsDone
	in.App.EndOffset = uint32(align_to(uint64(current), FlashBlockSize)) - 1
	return nil
}

func (in *Installer) writePartitionData(r io.Reader, dest uint32, dataLength uint32) error {
	var written uint32
	for written < dataLength {
		n := uint32(len(in.scratch))
		if dataLength-written < n {
			n = dataLength - written
		}
		buf := in.scratch[:n]
		if _, err := io.ReadFull(r, buf); err != nil {
			return newErr("Installer.writePartitionData", KindSdReadError, err)
		}
		if err := in.flash.WriteAt(dest+written, buf); err != nil {
			return newErr("Installer.writePartitionData", KindFlashWriteError, err)
		}
		written += n
	}
	if written != dataLength {
		return newErr("Installer.writePartitionData", KindFlashWriteError, errors.New("short write"))
	}
	return nil
}

// CommitCatalog appends the completed app record to the catalog and
// persists it, advancing to StateCatalogCommitted.
func (in *Installer) CommitCatalog() error {
	if in.State != StateAllPartsDone {
		return newErr("Installer.CommitCatalog", KindInvalidFirmware, errors.New("not in AllPartsDone state"))
	}
	if err := in.catalog.Add(in.App); err != nil {
		return err
	}
	in.State = StateCatalogCommitted
	return nil
}

// BootNow implements the user-confirmed half of CatalogCommitted →
// BootReady: rewrite the partition table for the newly installed app and
// hand off. On cancel (the caller simply not calling this), the app
// stays installed and bootable later from the chooser.
func (in *Installer) BootNow(handoff *BootHandoff) error {
	if in.State != StateCatalogCommitted {
		return newErr("Installer.BootNow", KindInvalidFirmware, errors.New("not in CatalogCommitted state"))
	}
	if err := handoff.Boot(&in.App); err != nil {
		return err
	}
	in.State = StateBootReady
	return nil
}
