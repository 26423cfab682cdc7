//go:build !linux

package changefeed

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
