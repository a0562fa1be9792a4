//go:build !unix

package lifecycle

import "os"

func pollableFile(fd int, name string) (*os.File, error) {
	return os.NewFile(uintptr(fd), name), nil
}
