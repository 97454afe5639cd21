package multiboot_test

import (
	"bytes"
	"multiboot"
	"testing"
)

func TestContextEraseNvm(t *testing.T) {
	flash, ctx := newTestContext(t, 4)

	entries, err := ctx.Table.Load()
	if err != nil {
		t.Fatalf("Table.Load: %v", err)
	}
	nvs, err := multiboot.FindNvsPartition(entries)
	if err != nil {
		t.Fatalf("FindNvsPartition: %v", err)
	}

	marker := bytes.Repeat([]byte{0x77}, 16)
	if err := flash.WriteAt(nvs.Offset, marker); err != nil {
		t.Fatalf("seed nvs: %v", err)
	}

	if err := ctx.EraseNvm(); err != nil {
		t.Fatalf("EraseNvm: %v", err)
	}

	got := make([]byte, len(marker))
	if err := flash.ReadAt(nvs.Offset, got); err != nil {
		t.Fatalf("ReadAt nvs: %v", err)
	}
	want := bytes.Repeat([]byte{0xFF}, len(marker))
	if !bytes.Equal(got, want) {
		t.Fatalf("expected nvs partition erased to 0xFF, got %x", got)
	}

	// erase_nvm() must never disturb the partition table blob itself.
	reloaded, err := ctx.Table.Load()
	if err != nil {
		t.Fatalf("Table.Load after EraseNvm: %v", err)
	}
	if len(reloaded) != len(entries) {
		t.Fatalf("partition table entries changed by EraseNvm: got %d want %d", len(reloaded), len(entries))
	}
}

func TestMainEraseNvmAction(t *testing.T) {
	imagePath := t.TempDir() + "/flash.bin"
	if rc := multiboot.Main([]string{"multibootctl", imagePath, "init"}); rc != 0 {
		t.Fatalf("init action failed with rc=%d", rc)
	}
	if rc := multiboot.Main([]string{"multibootctl", imagePath, "erase-nvm"}); rc != 0 {
		t.Fatalf("erase-nvm action failed with rc=%d", rc)
	}
}
