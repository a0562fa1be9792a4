//go:build unix

package lifecycle

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func pollableFile(fd int, name string) (*os.File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("%s: set non-blocking: %w", name, err)
	}
	return os.NewFile(uintptr(fd), name), nil
}
