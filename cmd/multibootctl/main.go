// Command multibootctl exercises the multiboot library against a flat
// file standing in for a device's SPI NOR flash, the way magiskboot
// exercises its library against a boot.img file on disk.
package main

import (
	"os"

	"multiboot"
)

func main() {
	os.Exit(multiboot.Main(os.Args))
}
