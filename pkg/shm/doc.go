// Package shm provides the shared heap: one sealed, fixed-size, memfd-backed
// memory region created by the controller and inherited by the renderer.
//
// The controller creates and maps the heap:
//
//	heap, err := shm.Create(shm.CreateOptions{Name: "vkmemfd", Size: 8 << 30})
//	// ...
//	ubo := heap.Slice(shm.Region{Offset: skip, Size: 16})
//
// The renderer re-opens the inherited descriptor either as a mapped view
// (host-pointer import) or as a bare handle view (dma-buf import):
//
//	view, err := shm.OpenView(os.NewFile(uintptr(fd), "heap"), mapped)
//
// Both views address heap bytes with the same Region{Offset, Size} scheme.
//
// Platform-specific helpers are in internal/shm.
package shm
