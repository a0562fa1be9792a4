package app

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/vkmemfd/internal/debug"
)

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("health endpoint still running")
	}
}

func TestMonitorStopsWithRun(t *testing.T) {
	monitor, stop := startMonitor(context.Background(), "127.0.0.1:0", prometheus.NewRegistry(),
		func() bool { return true }, debug.New("test", io.Discard))
	require.NotNil(t, monitor)

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	waitClosed(t, done)
}

func TestMonitorStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, stop := startMonitor(ctx, "127.0.0.1:0", prometheus.NewRegistry(),
		func() bool { return true }, debug.New("test", io.Discard))
	cancel()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	waitClosed(t, done)
}

func TestPaceHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pace(ctx, time.Hour), context.Canceled)
	assert.NoError(t, pace(context.Background(), time.Millisecond))
}
