package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

// freeBytes returns the space available to unprivileged users on the
// filesystem holding dir.
func freeBytes(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// InsufficientSpaceError reports a copy that would not fit on the target.
type InsufficientSpaceError struct {
	Dir  string
	Need int64
	Free uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("not enough space in %s: need %d bytes, %d free", e.Dir, e.Need, e.Free)
}

// checkSpace fails when the destination filesystem cannot hold src. Failure
// to query the filesystem is not treated as a lack of space.
func (t *Transferer) checkSpace(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	free, err := t.freeSpace(dir)
	if err != nil {
		t.log.Debugf("could not query free space in %s: %v", dir, err)
		return nil
	}
	if fi.Size() > 0 && uint64(fi.Size()) > free {
		return &InsufficientSpaceError{Dir: dir, Need: fi.Size(), Free: free}
	}
	return nil
}
