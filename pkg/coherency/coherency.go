// Package coherency emulates the cache maintenance a non-coherent heap needs
// at every producer/consumer boundary between the CPU and the device.
//
// When the heap is declared coherent every operation is a no-op. Otherwise
// the maintenance is issued unconditionally, whether or not the platform
// needed it.
package coherency

import (
	"github.com/prometheus/client_golang/prometheus"

	internalshm "github.com/srediag/vkmemfd/internal/shm"
)

// LineSize is the sweep stride.
const LineSize = internalshm.CacheLineSize

// Maintainer issues the CPU cache primitives.
type Maintainer interface {
	Fence()
	FlushLine(addr uintptr)
}

type cpu struct{}

func (cpu) Fence()                 { internalshm.MemoryFence() }
func (cpu) FlushLine(addr uintptr) { internalshm.FlushCacheLine(addr) }

// CPU returns the Maintainer backed by the running processor.
func CPU() Maintainer { return cpu{} }

// Option configures a Domain.
type Option func(*Domain)

// WithMaintainer replaces the CPU primitives.
func WithMaintainer(m Maintainer) Option {
	return func(d *Domain) { d.m = m }
}

// WithRegisterer registers the maintenance counters with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Domain) { d.reg = reg }
}

// Domain applies the coherence policy of one heap.
type Domain struct {
	coherent bool
	m        Maintainer
	reg      prometheus.Registerer

	fences *prometheus.CounterVec
	lines  *prometheus.CounterVec
}

// New returns a Domain. coherent disables all maintenance.
func New(coherent bool, opts ...Option) *Domain {
	d := &Domain{coherent: coherent, m: cpu{}}
	for _, opt := range opts {
		opt(d)
	}
	d.fences = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vkmemfd",
		Subsystem: "coherency",
		Name:      "fences_total",
		Help:      "Memory fences issued, by direction.",
	}, []string{"direction"})
	d.lines = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vkmemfd",
		Subsystem: "coherency",
		Name:      "lines_total",
		Help:      "Cache lines flushed or invalidated, by direction.",
	}, []string{"direction"})
	if d.reg != nil {
		d.reg.MustRegister(d.fences, d.lines)
	}
	return d
}

// Coherent reports the assumption the domain was built with.
func (d *Domain) Coherent() bool { return d.coherent }

func (d *Domain) String() string {
	if d.coherent {
		return "coherent"
	}
	return "incoherent"
}

// HostWrite publishes bytes the CPU wrote to the device: a fence, then a
// flush of every line of b.
func (d *Domain) HostWrite(b []byte) {
	if d.coherent || len(b) == 0 {
		return
	}
	d.m.Fence()
	n := d.sweep(b)
	d.fences.WithLabelValues("write").Inc()
	d.lines.WithLabelValues("write").Add(float64(n))
}

// HostRead makes bytes the device wrote visible to the CPU: an invalidate of
// every line of b, then a fence.
func (d *Domain) HostRead(b []byte) {
	if d.coherent || len(b) == 0 {
		return
	}
	n := d.sweep(b)
	d.m.Fence()
	d.fences.WithLabelValues("read").Inc()
	d.lines.WithLabelValues("read").Add(float64(n))
}

func (d *Domain) sweep(b []byte) int {
	base := internalshm.AddrOf(b)
	n := 0
	for off := 0; off < len(b); off += LineSize {
		d.m.FlushLine(base + uintptr(off))
		n++
	}
	return n
}
