package changefeed

import (
	"os"
	"syscall"
)

// datasync skips the metadata flush of fsync; readers only need the data.
func datasync(f *os.File) error {
	return syscall.Fdatasync(int(f.Fd()))
}
