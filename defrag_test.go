package multiboot_test

import (
	"bytes"
	"multiboot"
	"testing"
)

func TestDefragSlidesAppsDownAndClosesGaps(t *testing.T) {
	catalogSize := uint32(4 * 8912)
	flash := newTestFlash(t, multiboot.DefaultFlashSize)
	provisionFlash(t, flash, multiboot.DefaultCatalogOffset, catalogSize)
	c := newTestCatalog(t, flash, multiboot.DefaultCatalogOffset, catalogSize)

	base := c.StartFlashAddress()
	pattern := bytes.Repeat([]byte{0xAB}, int(multiboot.FlashBlockSize))
	if err := flash.WriteAt(base+0x20000, pattern); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	if err := c.Add(mkApp("A", base, base+0xffff, 0)); err != nil {
		t.Fatalf("Add A: %v", err)
	}
	if err := c.Add(mkApp("B", base+0x20000, base+0x2ffff, 1)); err != nil {
		t.Fatalf("Add B: %v", err)
	}

	scratch := make([]byte, multiboot.FlashBlockSize)
	defrag := multiboot.NewDefragmenter(flash, c, scratch)
	if err := defrag.Defrag(); err != nil {
		t.Fatalf("Defrag: %v", err)
	}

	apps := c.Apps()
	if apps[1].StartOffset != base+0x10000 || apps[1].EndOffset != base+0x1ffff {
		t.Fatalf("B not slid down to close the gap: %+v", apps[1])
	}

	moved := make([]byte, multiboot.FlashBlockSize)
	if err := flash.ReadAt(base+0x10000, moved); err != nil {
		t.Fatalf("read moved data: %v", err)
	}
	if !bytes.Equal(moved, pattern) {
		t.Fatalf("B's flash content was not preserved across the slide")
	}
}

func TestDefragIdempotentOnAlreadyCompactCatalog(t *testing.T) {
	catalogSize := uint32(4 * 8912)
	flash := newTestFlash(t, multiboot.DefaultFlashSize)
	provisionFlash(t, flash, multiboot.DefaultCatalogOffset, catalogSize)
	c := newTestCatalog(t, flash, multiboot.DefaultCatalogOffset, catalogSize)

	base := c.StartFlashAddress()
	if err := c.Add(mkApp("A", base, base+0xffff, 0)); err != nil {
		t.Fatalf("Add A: %v", err)
	}
	if err := c.Add(mkApp("B", base+0x10000, base+0x1ffff, 1)); err != nil {
		t.Fatalf("Add B: %v", err)
	}

	scratch := make([]byte, multiboot.FlashBlockSize)
	defrag := multiboot.NewDefragmenter(flash, c, scratch)
	if err := defrag.Defrag(); err != nil {
		t.Fatalf("Defrag: %v", err)
	}

	apps := c.Apps()
	if apps[0].StartOffset != base || apps[1].StartOffset != base+0x10000 {
		t.Fatalf("already-compact catalog changed offsets: %+v", apps)
	}
}
