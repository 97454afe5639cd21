package multiboot

import (
	"fmt"
	"log"
	"os"

	"github.com/pkg/errors"
)

// Kind classifies a failure the way spec.md §7 taxonomizes errors: Input and
// Resource kinds are recoverable (the chooser stays up, no catalog mutation
// has happened); Media and Configuration kinds are fatal.
type Kind int

const (
	KindUnknown Kind = iota

	// Input
	KindInvalidFirmware
	KindChecksumMismatch
	KindTooManyPartitions
	KindNoFilesOnSd

	// Resource
	KindNotEnoughSpace
	KindAllocFailure

	// Media
	KindFlashReadError
	KindFlashEraseError
	KindFlashWriteError
	KindSeekError
	KindSdReadError

	// Configuration
	KindNoCatalogPartition
	KindNoBootPartition
	KindTableSizeExceeds4KiB
)

var kindBanners = map[Kind]string{
	KindInvalidFirmware:     "INVALID FIRMWARE FILE",
	KindChecksumMismatch:    "CHECKSUM MISMATCH ERROR",
	KindTooManyPartitions:   "TOO MANY PARTITIONS",
	KindNoFilesOnSd:         "NO FILES ON SD",
	KindNotEnoughSpace:      "NOT ENOUGH FREE SPACE",
	KindAllocFailure:        "ALLOCATION FAILURE",
	KindFlashReadError:      "FLASH READ ERROR",
	KindFlashEraseError:     "FLASH ERASE ERROR",
	KindFlashWriteError:     "WRITE ERROR",
	KindSeekError:           "SEEK ERROR",
	KindSdReadError:         "SD READ ERROR",
	KindNoCatalogPartition:  "TABLE READ ERROR",
	KindNoBootPartition:     "NO BOOT PARTITION",
	KindTableSizeExceeds4KiB: "TABLE SIZE ERROR",
}

// IsFatal reports whether a Kind is Media/Configuration (halt-worthy) rather
// than Input/Resource (recoverable back to the chooser).
func IsFatal(k Kind) bool {
	switch k {
	case KindFlashReadError, KindFlashEraseError, KindFlashWriteError,
		KindSeekError, KindSdReadError,
		KindNoCatalogPartition, KindNoBootPartition, KindTableSizeExceeds4KiB:
		return true
	default:
		return false
	}
}

// Banner returns the user-visible, centered-on-display string for a Kind.
// No persistent error log exists; this is the entire rendering of the error.
func Banner(k Kind) string {
	if s, ok := kindBanners[k]; ok {
		return s
	}
	return "UNKNOWN ERROR"
}

// Error pairs a machine-readable Kind with the operation that raised it and
// the underlying cause, kept separate from the presentation-layer Banner
// per the source-shape note in spec.md §9 ("UI strings as error signaling").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, Banner(e.Kind), e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, Banner(e.Kind))
}

func (e *Error) Unwrap() error { return e.Err }

// newErr builds an *Error, wrapping cause with pkg/errors so a caller that
// just wants a printable chain can still use %+v for a stack trace.
func newErr(op string, kind Kind, cause error) error {
	if cause == nil {
		return &Error{Kind: kind, Op: op}
	}
	return &Error{Kind: kind, Op: op, Err: errors.Wrap(cause, op)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, otherwise KindUnknown.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// HaltFunc stands in for "display a one-line banner and blink an LED".
// The real LED/display is external per spec.md §1; DefaultHalt logs the
// banner and exits the process.
type HaltFunc func(banner string)

// DefaultHalt is the HaltFunc cmd/multibootctl uses for IsFatal kinds: log
// the banner and terminate. There is no recovery path for Media/
// Configuration failures (spec.md §7) — the real device's equivalent is
// a dead-end error screen until the user power-cycles it.
func DefaultHalt(banner string) {
	log.Println(banner)
	os.Exit(1)
}

// Halt is the HaltFunc cli.go invokes for fatal kinds; overridable (e.g.
// by tests) the same way the teacher's code takes collaborators as
// values rather than hardcoding them.
var Halt HaltFunc = DefaultHalt
