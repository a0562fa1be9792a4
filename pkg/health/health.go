// Package health exposes liveness, readiness and Prometheus metrics of the
// controller over HTTP.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"
)

const namespace = "vkmemfd"

var (
	ErrProcessGone  = errors.New("process exited")
	ErrNotReady     = errors.New("layout handshake not done")
	ErrHeapOversize = errors.New("heap exceeds physical memory")
)

// Monitor collects the health checks of one controller.
type Monitor struct {
	reg     *prometheus.Registry
	checks  healthcheck.Handler
	ready   atomic.Bool
	handler *http.ServeMux
}

// New returns a Monitor whose check results are exported through reg.
func New(reg *prometheus.Registry) *Monitor {
	m := &Monitor{
		reg:    reg,
		checks: healthcheck.NewMetricsHandler(reg, namespace),
	}
	m.checks.AddReadinessCheck("handshake", func() error {
		if !m.ready.Load() {
			return ErrNotReady
		}
		return nil
	})
	m.handler = http.NewServeMux()
	m.handler.HandleFunc("/live", m.checks.LiveEndpoint)
	m.handler.HandleFunc("/ready", m.checks.ReadyEndpoint)
	m.handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return m
}

// WatchProcess adds a liveness check failing once alive reports false.
func (m *Monitor) WatchProcess(name string, alive func() bool) {
	m.checks.AddLivenessCheck(name, func() error {
		if !alive() {
			return fmt.Errorf("%w: %s", ErrProcessGone, name)
		}
		return nil
	})
}

// SetReady marks the layout handshake as done.
func (m *Monitor) SetReady() { m.ready.Store(true) }

// Handler serves /live, /ready and /metrics.
func (m *Monitor) Handler() http.Handler { return m.handler }

// Serve listens on addr until ctx is done.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen: %w", err)
	}
	return m.serve(ctx, ln)
}

func (m *Monitor) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: m.handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// CheckHeapSize reports ErrHeapOversize when heapSize exceeds the total
// physical memory. Such heaps are valid and rely on demand paging.
func CheckHeapSize(heapSize uint64) error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("virtual memory: %w", err)
	}
	if heapSize > vm.Total {
		return fmt.Errorf("%w: %d > %d", ErrHeapOversize, heapSize, vm.Total)
	}
	return nil
}
