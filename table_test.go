package multiboot_test

import (
	"multiboot"
	"path/filepath"
	"testing"
)

func newTestFlash(t *testing.T, size uint32) *multiboot.FileFlash {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flash.bin")
	flash, err := multiboot.NewFileFlash(path, size)
	if err != nil {
		t.Fatalf("NewFileFlash: %v", err)
	}
	t.Cleanup(func() { flash.Close() })
	return flash
}

func provisionFlash(t *testing.T, flash *multiboot.FileFlash, catalogOffset, catalogSize uint32) {
	t.Helper()
	table := multiboot.NewTableCodec(flash, multiboot.DefaultTableOffset)
	if err := table.WriteFactory(multiboot.DefaultFactoryTable(catalogOffset, catalogSize)); err != nil {
		t.Fatalf("WriteFactory: %v", err)
	}
	eraseLen := uint32(((uint64(catalogSize) + multiboot.EraseBlockSize - 1) / multiboot.EraseBlockSize) * multiboot.EraseBlockSize)
	if err := flash.EraseAt(catalogOffset, eraseLen); err != nil {
		t.Fatalf("EraseAt catalog: %v", err)
	}
}

func TestTableLoadFindCatalogPartition(t *testing.T) {
	flash := newTestFlash(t, multiboot.DefaultFlashSize)
	provisionFlash(t, flash, multiboot.DefaultCatalogOffset, multiboot.DefaultCatalogApps*8912)

	table := multiboot.NewTableCodec(flash, multiboot.DefaultTableOffset)
	entries, err := table.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 factory entries, got %d", len(entries))
	}

	idx, catalog, err := multiboot.FindCatalogPartition(entries)
	if err != nil {
		t.Fatalf("FindCatalogPartition: %v", err)
	}
	if idx != 5 {
		t.Fatalf("expected catalog start index 5, got %d", idx)
	}
	if catalog.Offset != multiboot.DefaultCatalogOffset {
		t.Fatalf("catalog offset mismatch: got 0x%x", catalog.Offset)
	}
}

func TestTableRewritePreservesPrefix(t *testing.T) {
	flash := newTestFlash(t, multiboot.DefaultFlashSize)
	provisionFlash(t, flash, multiboot.DefaultCatalogOffset, multiboot.DefaultCatalogApps*8912)

	table := multiboot.NewTableCodec(flash, multiboot.DefaultTableOffset)
	factory, err := table.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	startIdx, _, err := multiboot.FindCatalogPartition(factory)
	if err != nil {
		t.Fatalf("FindCatalogPartition: %v", err)
	}

	parts := []multiboot.PartitionDescriptor{
		{Type: multiboot.PartTypeApp, Subtype: multiboot.PartSubtypeOTA0, Length: 0x100000},
	}
	// provisionFlash's WriteFactory already reloaded the table once.
	reloadsBefore := flash.Reloaded()
	if err := table.Rewrite(factory, startIdx, 0x200000, parts); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	reloaded, err := table.Load()
	if err != nil {
		t.Fatalf("reload Load: %v", err)
	}
	if len(reloaded) != startIdx+1 {
		t.Fatalf("expected %d entries after rewrite, got %d", startIdx+1, len(reloaded))
	}
	for i := 0; i < startIdx; i++ {
		if reloaded[i].Offset != factory[i].Offset || reloaded[i].Size != factory[i].Size {
			t.Fatalf("factory prefix entry %d mutated by Rewrite", i)
		}
	}
	appended := reloaded[startIdx]
	if appended.Offset != 0x200000 || appended.Size != 0x100000 {
		t.Fatalf("appended entry mismatch: %+v", appended)
	}
	if flash.Reloaded() != reloadsBefore+1 {
		t.Fatalf("expected ReloadPartitionTable to be called once, got %d", flash.Reloaded()-reloadsBefore)
	}
}
