//go:build !unix && !windows

package outbox

import (
	"fmt"
	"os"
	"runtime"
)

// There is no advisory lock here, so the file store refuses to open.
func tryLockFile(f *os.File, exclusive bool) (bool, error) {
	return false, fmt.Errorf("%w: file locking on %s", ErrNotImplemented, runtime.GOOS)
}

func unlockFile(f *os.File) error {
	return nil
}
