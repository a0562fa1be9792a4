package health

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func TestReadiness(t *testing.T) {
	m := New(prometheus.NewRegistry())
	code, _ := get(t, m.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	m.SetReady()
	code, _ = get(t, m.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, code)
}

func TestLiveness(t *testing.T) {
	m := New(prometheus.NewRegistry())
	var alive atomic.Bool
	alive.Store(true)
	m.WatchProcess("renderer", alive.Load)

	code, _ := get(t, m.Handler(), "/live")
	assert.Equal(t, http.StatusOK, code)

	alive.Store(false)
	code, _ = get(t, m.Handler(), "/live")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "vkmemfd_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	m := New(reg)
	get(t, m.Handler(), "/ready")
	code, body := get(t, m.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "vkmemfd_test_total 3")
	assert.Contains(t, body, "vkmemfd_healthcheck_status")
}

func TestServe(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetReady()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/ready")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestCheckHeapSize(t *testing.T) {
	assert.NoError(t, CheckHeapSize(4096))
	assert.ErrorIs(t, CheckHeapSize(1<<62), ErrHeapOversize)
}
