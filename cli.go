package multiboot

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// handleErr prints err's banner and, for IsFatal kinds, invokes Halt
// instead of merely returning — mirroring spec.md §7's recoverable/fatal
// split instead of treating every failure as "return to the chooser".
func handleErr(err error) int {
	kind := KindOf(err)
	banner := Banner(kind)
	fmt.Fprintln(os.Stderr, banner, err)
	if IsFatal(kind) {
		Halt(banner)
	}
	return 1
}

// CheckEnv reports whether the named environment variable is set to the
// literal string "true" — a small toggle used by cmd/multibootctl the
// same way the teacher's own magiskboot.go gates behavior on env vars
// like PATCHVBMETAFLAG.
func CheckEnv(key string) bool {
	value, ok := os.LookupEnv(key)
	return ok && value == "true"
}

// Usage prints the command summary for cmd/multibootctl to stderr.
func Usage(prog string) {
	fmt.Fprintf(os.Stderr, `multibootctl - multi-boot firmware manager

Usage: %s <flash-image> <action> [args...]

Supported actions:
  list
    List installed applications: index, description, flash extent.

  boot <index>
    Rewrite the partition table to expose application <index>'s
    partitions, set the OTA boot slot, and restart.

  install <firmware.fw> [--boot]
    Parse, verify, allocate, and write <firmware.fw> into free flash,
    defragmenting if no single free extent is large enough, then commit
    the new catalog entry. With --boot, also perform the post-flash
    boot handoff.

  erase <index>
    Delete application <index>'s catalog entry. The underlying flash
    content is not erased; it becomes free space for the next install.

  erase-all
    Zero the entire catalog partition. Flash contents of apps are left
    untouched but become unreachable free space.

  erase-nvm
    Erase the factory NVS (key-value store) partition.

`, prog)
	os.Exit(1)
}

// Main is the manual os.Args dispatcher for cmd/multibootctl, in the same
// switch-on-action-string shape as the teacher's own Main in
// magiskboot.go: <flash-image> stands in for the SPI NOR chip the way a
// boot.img file stands in for a device's boot partition there.
func Main(args []string) int {
	if len(args) < 3 {
		Usage(args[0])
	}

	imagePath := args[1]
	action := strings.TrimLeft(args[2], "-")

	flash, err := NewFileFlash(imagePath, DefaultFlashSize)
	if err != nil {
		return handleErr(err)
	}
	defer flash.Close()

	if action == "init" {
		catalogSize := uint32(DefaultCatalogApps * appRecordSize)
		table := NewTableCodec(flash, DefaultTableOffset)
		if err := table.WriteFactory(DefaultFactoryTable(DefaultCatalogOffset, catalogSize)); err != nil {
			return handleErr(err)
		}
		if err := flash.EraseAt(DefaultCatalogOffset, uint32(align_to(uint64(catalogSize), uint64(EraseBlockSize)))); err != nil {
			return handleErr(err)
		}
		return 0
	}

	ctx, err := NewBootloaderContext(flash, DefaultTableOffset)
	if err != nil {
		return handleErr(err)
	}

	switch action {
	case "list":
		for i, a := range ctx.ListApps() {
			fmt.Printf("%d: %-40s 0x%08x-0x%08x seq=%d\n", i, a.DescriptionString(), a.StartOffset, a.EndOffset, a.InstallSeq)
		}
		return 0

	case "boot":
		if len(args) < 4 {
			Usage(args[0])
		}
		idx, err := strconv.Atoi(args[3])
		if err != nil {
			Usage(args[0])
		}
		if err := ctx.BootApp(idx); err != nil {
			return handleErr(err)
		}
		return 0

	case "install":
		if len(args) < 4 {
			Usage(args[0])
		}
		bootAfter := len(args) > 4 && strings.TrimLeft(args[4], "-") == "boot"
		app, err := ctx.Install(args[3], bootAfter)
		if err != nil {
			return handleErr(err)
		}
		fmt.Printf("installed %q at 0x%08x\n", app.DescriptionString(), app.StartOffset)
		return 0

	case "erase":
		if len(args) < 4 {
			Usage(args[0])
		}
		idx, err := strconv.Atoi(args[3])
		if err != nil {
			Usage(args[0])
		}
		if err := ctx.EraseApp(idx); err != nil {
			return handleErr(err)
		}
		return 0

	case "erase-all":
		if err := ctx.EraseAll(); err != nil {
			return handleErr(err)
		}
		return 0

	case "erase-nvm":
		if err := ctx.EraseNvm(); err != nil {
			return handleErr(err)
		}
		return 0

	default:
		Usage(args[0])
		return 1
	}
}
