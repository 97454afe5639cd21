//go:build !windows
// +build !windows

package stub

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fsync flushes a simulated-flash file's dirty mmap pages to the backing
// medium, the stand-in for a real flash write actually landing in silicon.
func Fsync(fd *os.File) error {
	return unix.Fsync(int(fd.Fd()))
}
