package multiboot

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"
)

const (
	// FirmwareHeaderMagic is the literal 24-byte header string every
	// firmware file on the SD card must start with (spec.md §3.4).
	FirmwareHeaderMagic = "ODROIDGO_FIRMWARE_V00_01"

	firmwareHeaderSize = 24 + DescriptionSize + TileBytes // 8320
	checksumSize        = 4
)

// FirmwareHeader is the fixed 8320-byte prefix of a firmware file.
type FirmwareHeader struct {
	Magic       [24]byte
	Description [DescriptionSize]byte
	Tile        [TileBytes]byte
}

// DescriptionString returns Description trimmed at the first NUL.
func (h FirmwareHeader) DescriptionString() string { return cStr(h.Description[:]) }

// FirmwarePart is one parsed partition entry plus the absolute file
// offset at which its data_length bytes of content begin, so a later
// pass (the installer's WriteAll) can seek straight to it instead of
// re-walking every descriptor.
type FirmwarePart struct {
	FilePartitionDescriptor
	DataFileOffset int64
}

// Firmware is the result of parsing a firmware file: its header, the
// enumerated partition entries, the total flash footprint, and the
// trailing checksum (spec.md §4.5).
type Firmware struct {
	Header     FirmwareHeader
	Parts      []FirmwarePart
	FlashSize  uint32
	DataOffset int64
	FileSize   int64
	Checksum   uint32
}

// ParseFirmware does a streaming, single forward pass over r (which must
// also support Seek, as the format requires skipping embedded partition
// data and locating the trailing checksum). fileSize is the exact byte
// length of the stream.
func ParseFirmware(r io.ReadSeeker, fileSize int64) (*Firmware, error) {
	if fileSize < int64(firmwareHeaderSize+checksumSize) {
		return nil, newErr("ParseFirmware", KindInvalidFirmware, errors.New("file too small"))
	}

	headerBuf := make([]byte, firmwareHeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, newErr("ParseFirmware", KindInvalidFirmware, err)
	}

	var hdr FirmwareHeader
	if err := restruct.Unpack(headerBuf, wireOrder, &hdr); err != nil {
		return nil, newErr("ParseFirmware", KindInvalidFirmware, err)
	}
	if !bytes.Equal(hdr.Magic[:], []byte(FirmwareHeaderMagic)) {
		return nil, newErr("ParseFirmware", KindInvalidFirmware, errors.New("bad header magic"))
	}

	fw := &Firmware{
		Header:     hdr,
		DataOffset: int64(firmwareHeaderSize),
		FileSize:   fileSize,
	}

	pos := int64(firmwareHeaderSize)
	descBuf := make([]byte, filePartitionSize)
	for pos < fileSize-checksumSize {
		if len(fw.Parts) >= PartsMax {
			return nil, newErr("ParseFirmware", KindTooManyPartitions, errors.New("parts_count >= PARTS_MAX"))
		}

		if _, err := io.ReadFull(r, descBuf); err != nil {
			return nil, newErr("ParseFirmware", KindInvalidFirmware, err)
		}
		var part FilePartitionDescriptor
		if err := restruct.Unpack(descBuf, wireOrder, &part); err != nil {
			return nil, newErr("ParseFirmware", KindInvalidFirmware, err)
		}
		pos += filePartitionSize

		if part.Type == 0xFF {
			return nil, newErr("ParseFirmware", KindInvalidFirmware, errors.New("type 0xff partition descriptor"))
		}
		if part.DataLength > part.Length {
			return nil, newErr("ParseFirmware", KindInvalidFirmware, errors.New("data_length exceeds length"))
		}
		if pos+int64(part.DataLength) > fileSize-checksumSize {
			return nil, newErr("ParseFirmware", KindInvalidFirmware, errors.New("data_length runs past end of file"))
		}

		fw.Parts = append(fw.Parts, FirmwarePart{FilePartitionDescriptor: part, DataFileOffset: pos})
		fw.FlashSize += part.Length

		if _, err := r.Seek(int64(part.DataLength), io.SeekCurrent); err != nil {
			return nil, newErr("ParseFirmware", KindSeekError, err)
		}
		pos += int64(part.DataLength)
	}

	if len(fw.Parts) == 0 {
		return nil, newErr("ParseFirmware", KindInvalidFirmware, errors.New("no partitions"))
	}

	if _, err := r.Seek(fileSize-checksumSize, io.SeekStart); err != nil {
		return nil, newErr("ParseFirmware", KindSeekError, err)
	}
	var sumBuf [4]byte
	if _, err := io.ReadFull(r, sumBuf[:]); err != nil {
		return nil, newErr("ParseFirmware", KindInvalidFirmware, err)
	}
	fw.Checksum = binary.LittleEndian.Uint32(sumBuf[:])

	return fw, nil
}

// VerifyChecksum recomputes the CRC-32/ISO-HDLC checksum over bytes
// [0, fileSize-4) by streaming FlashBlockSize chunks (the final chunk
// shortened so the trailing checksum itself is excluded) and compares it
// against fw.Checksum (spec.md §4.6).
func VerifyChecksum(r io.ReadSeeker, fileSize int64, fw *Firmware) error {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return newErr("VerifyChecksum", KindSeekError, err)
	}

	checksummed := fileSize - checksumSize
	// CRC-32/ISO-HDLC is the same polynomial as Go's IEEE/Ethernet CRC-32.
	crc := crc32.NewIEEE()
	buf := make([]byte, FlashBlockSize)

	var done int64
	for done < checksummed {
		n := int64(FlashBlockSize)
		if done+n > checksummed {
			n = checksummed - done
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return newErr("VerifyChecksum", KindInvalidFirmware, err)
		}
		crc.Write(buf[:n])
		done += n
	}

	if crc.Sum32() != fw.Checksum {
		return newErr("VerifyChecksum", KindChecksumMismatch, errors.New("crc32 mismatch"))
	}
	return nil
}
