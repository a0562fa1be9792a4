package lifecycle

import "os"

// Files wraps the descriptors a renderer inherited. The control channel
// ends are switched to non-blocking mode first so that the runtime poller
// owns them and read deadlines work on them; os/exec hands them over in
// blocking mode.
func (a RendererArgs) Files(heapName string) (in, out, heap *os.File, err error) {
	if in, err = pollableFile(a.In, "control-in"); err != nil {
		return nil, nil, nil, err
	}
	if out, err = pollableFile(a.Out, "control-out"); err != nil {
		_ = in.Close()
		return nil, nil, nil, err
	}
	return in, out, os.NewFile(uintptr(a.Heap), heapName), nil
}
