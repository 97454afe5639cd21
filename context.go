package multiboot

import (
	"os"

	"github.com/pkg/errors"
)

// BootloaderContext owns every stateful collaborator the core needs: the
// flash adapter, the app-catalog store, the partition-table codec, the
// allocator/defragmenter pair, and the two reusable scratch buffers.
//
// This replaces the global singletons (static arrays, module-level
// pointers) of the original firmware's source shape (spec.md §9): a
// single value passed by reference through a single execution context,
// with no process-wide hidden state.
type BootloaderContext struct {
	Flash     Flash
	Table     *TableCodec
	Catalog   *Catalog
	Allocator *Allocator
	Defrag    *Defragmenter
	Boot      *BootHandoff

	// BlockScratch is the one FlashBlockSize scratch buffer reused across
	// defrag and install (spec.md §5).
	BlockScratch []byte
	// HeaderScratch is a firmware-header-sized scratch buffer; no operation
	// uses it (ParseFirmware allocates its own header buffer).
	HeaderScratch []byte
}

// NewBootloaderContext wires up a BootloaderContext over flash, locating
// the catalog partition in the factory table and loading it. Allocation
// failure at startup (here: failing to find the catalog partition, or a
// flash read error) is fatal per spec.md §5.
func NewBootloaderContext(flash Flash, tableOffset uint32) (*BootloaderContext, error) {
	table := NewTableCodec(flash, tableOffset)

	factory, err := table.Load()
	if err != nil {
		return nil, err
	}
	_, catalogEntry, err := FindCatalogPartition(factory)
	if err != nil {
		return nil, err
	}
	if catalogEntry.Size == 0 {
		return nil, newErr("NewBootloaderContext", KindNoCatalogPartition, errors.New("catalog partition has zero size"))
	}

	catalog := NewCatalog(flash, catalogEntry.Offset, catalogEntry.Size)
	if err := catalog.Load(); err != nil {
		return nil, err
	}

	ctx := &BootloaderContext{
		Flash:         flash,
		Table:         table,
		Catalog:       catalog,
		BlockScratch:  make([]byte, FlashBlockSize),
		HeaderScratch: make([]byte, firmwareHeaderSize),
	}
	ctx.Defrag = NewDefragmenter(flash, catalog, ctx.BlockScratch)
	ctx.Allocator = NewAllocator(catalog, ctx.Defrag, flash.Size())
	ctx.Boot = NewBootHandoff(flash, table)
	return ctx, nil
}

// ListApps implements the list_apps() external verb (spec.md §6.4).
func (c *BootloaderContext) ListApps() []AppRecord {
	return c.Catalog.Apps()
}

// BootApp implements boot(app_id): boot the populated slot at index
// (ascending StartOffset order, as returned by ListApps).
func (c *BootloaderContext) BootApp(index int) error {
	apps := c.Catalog.Apps()
	if index < 0 || index >= len(apps) {
		return newErr("BootApp", KindNoBootPartition, errors.New("no such app"))
	}
	app := apps[index]
	return c.Boot.Boot(&app)
}

// EraseApp implements erase(app_id): delete one catalog entry.
// Underlying flash content is not erased; it becomes free space.
func (c *BootloaderContext) EraseApp(index int) error {
	return c.Catalog.Remove(index)
}

// EraseAll implements erase_all(): zero the catalog partition.
func (c *BootloaderContext) EraseAll() error {
	return c.Catalog.Clear()
}

// EraseNvm implements erase_nvm() (spec.md §6.4): erase the factory NVS
// (key-value store) partition. Per spec.md §9 open question 4,
// start_flash_address is derived from the catalog partition alone, so
// clearing NVS never invalidates it.
func (c *BootloaderContext) EraseNvm() error {
	factory, err := c.Table.Load()
	if err != nil {
		return err
	}
	nvs, err := FindNvsPartition(factory)
	if err != nil {
		return err
	}
	eraseLen := uint32(align_to(uint64(nvs.Size), uint64(EraseBlockSize)))
	if err := c.Flash.EraseAt(nvs.Offset, eraseLen); err != nil {
		return newErr("EraseNvm", KindFlashEraseError, err)
	}
	return nil
}

// Install implements install(sd_path) (spec.md §6.4): parse → verify →
// allocate → erase → write → commit catalog, driving the Installer state
// machine end to end against the firmware file at sdPath. If bootAfter
// is true, the final user-confirmed handoff also runs; a false caller
// models the user declining the post-flash boot prompt, leaving the app
// installed but not yet booted.
func (c *BootloaderContext) Install(sdPath string, bootAfter bool) (*AppRecord, error) {
	f, err := os.Open(sdPath)
	if err != nil {
		return nil, newErr("Install", KindSdReadError, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, newErr("Install", KindSdReadError, err)
	}

	in := NewInstaller(c)

	fw, err := in.Parse(f, st.Size())
	if err != nil {
		return nil, err
	}
	if err := in.Verify(f, st.Size(), fw); err != nil {
		return nil, err
	}
	if err := in.Allocate(fw, sdPath); err != nil {
		return nil, err
	}

	if err := in.WriteAll(f, fw); err != nil {
		return nil, err
	}
	if err := in.CommitCatalog(); err != nil {
		return nil, err
	}

	if bootAfter {
		if err := in.BootNow(c.Boot); err != nil {
			return nil, err
		}
	}

	app := in.App
	return &app, nil
}
