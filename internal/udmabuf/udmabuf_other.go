//go:build !linux

package udmabuf

// Device is unavailable outside Linux.
type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Create(int, uint64, uint64) (int, error) { return -1, ErrUnsupported }

func (d *Device) Close() error { return nil }
