//go:build windows

package stub

import "os"

// Fsync has no direct equivalent on windows; File.Sync is close enough for
// the simulator's durability barrier.
func Fsync(fd *os.File) error {
	return fd.Sync()
}
