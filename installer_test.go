package multiboot_test

import (
	"bytes"
	"multiboot"
	"os"
	"path/filepath"
	"testing"
)

func newTestContext(t *testing.T, catalogApps int) (*multiboot.FileFlash, *multiboot.BootloaderContext) {
	t.Helper()
	flash := newTestFlash(t, multiboot.DefaultFlashSize)
	catalogSize := uint32(catalogApps * 8912)
	provisionFlash(t, flash, multiboot.DefaultCatalogOffset, catalogSize)

	ctx, err := multiboot.NewBootloaderContext(flash, multiboot.DefaultTableOffset)
	if err != nil {
		t.Fatalf("NewBootloaderContext: %v", err)
	}
	return flash, ctx
}

func writeTempFirmware(t *testing.T, raw []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "game.fw")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestInstallerFullPipelineNoBoot(t *testing.T) {
	_, ctx := newTestContext(t, 4)

	data := bytes.Repeat([]byte{0x7E}, 0x8000)
	raw := buildFirmware(t, "Doom", []firmwarePartSpec{
		{typ: multiboot.PartTypeApp, subtype: multiboot.PartSubtypeOTA0, length: 0x10000, data: data},
	})
	path := writeTempFirmware(t, raw)

	app, err := ctx.Install(path, false)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if app.DescriptionString() != "Doom" {
		t.Fatalf("description mismatch: got %q", app.DescriptionString())
	}
	if app.PartsCount != 1 {
		t.Fatalf("expected 1 partition installed, got %d", app.PartsCount)
	}

	apps := ctx.ListApps()
	if len(apps) != 1 {
		t.Fatalf("expected 1 app in catalog, got %d", len(apps))
	}

	written := make([]byte, len(data))
	if err := ctx.Flash.ReadAt(apps[0].StartOffset, written); err != nil {
		t.Fatalf("ReadAt installed data: %v", err)
	}
	if !bytes.Equal(written, data) {
		t.Fatalf("installed flash content does not match source firmware data")
	}
}

func TestInstallerFullPipelineWithBoot(t *testing.T) {
	flash, ctx := newTestContext(t, 4)

	data := []byte("app binary")
	raw := buildFirmware(t, "Zelda", []firmwarePartSpec{
		{typ: multiboot.PartTypeApp, subtype: multiboot.PartSubtypeOTA0, length: 0x10000, data: data},
	})
	path := writeTempFirmware(t, raw)

	app, err := ctx.Install(path, true)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if flash.BootOffset() != app.StartOffset {
		t.Fatalf("expected boot partition offset 0x%x, got 0x%x", app.StartOffset, flash.BootOffset())
	}
	if !flash.Restarted() {
		t.Fatalf("expected Restart to be called after install --boot")
	}
}

func TestInstallerRejectsChecksumMismatch(t *testing.T) {
	_, ctx := newTestContext(t, 4)

	raw := buildFirmware(t, "Bad", []firmwarePartSpec{
		{typ: multiboot.PartTypeApp, subtype: multiboot.PartSubtypeOTA0, length: 0x10000, data: []byte("hello")},
	})
	// Flip a byte inside the header's tile image: it carries no parsed
	// semantics, so this only disturbs the CRC, not the parse itself.
	raw[100] ^= 0xFF
	path := writeTempFirmware(t, raw)

	if _, err := ctx.Install(path, false); err == nil {
		t.Fatalf("expected Install to reject checksum mismatch")
	} else if multiboot.KindOf(err) != multiboot.KindChecksumMismatch {
		t.Fatalf("expected KindChecksumMismatch, got %v", multiboot.KindOf(err))
	}

	if len(ctx.ListApps()) != 0 {
		t.Fatalf("expected no catalog mutation after failed install")
	}
}

func TestInstallerStatePreconditions(t *testing.T) {
	_, ctx := newTestContext(t, 4)
	in := multiboot.NewInstaller(ctx)

	raw := buildFirmware(t, "Doom", []firmwarePartSpec{
		{typ: multiboot.PartTypeApp, subtype: multiboot.PartSubtypeOTA0, length: 0x10000, data: []byte("x")},
	})
	r := bytes.NewReader(raw)

	if err := in.CommitCatalog(); err == nil {
		t.Fatalf("expected CommitCatalog to fail before AllPartsDone")
	}

	fw, err := in.Parse(r, int64(len(raw)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if in.State != multiboot.StateParsed {
		t.Fatalf("expected StateParsed, got %v", in.State)
	}

	if err := in.Allocate(fw, "x.fw"); err == nil {
		t.Fatalf("expected Allocate to fail before Verify")
	}

	if err := in.Verify(r, int64(len(raw)), fw); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if in.State != multiboot.StateVerified {
		t.Fatalf("expected StateVerified, got %v", in.State)
	}
}
