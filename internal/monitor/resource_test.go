package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/evolver/internal/config"
	"github.com/shepherd-project/evolver/internal/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(&config.LogConfig{Level: "error", Output: "stdout"}, "test")
	require.NoError(t, err)
	return log
}

func TestResourceMonitorLifecycle(t *testing.T) {
	m := NewResourceMonitor(&ResourceMonitorConfig{
		Interval:   20 * time.Millisecond,
		Logger:     newTestLogger(t),
		MaxMetrics: 3,
	})
	assert.False(t, m.IsRunning())

	require.NoError(t, m.Start())
	assert.Error(t, m.Start())
	assert.Eventually(t, func() bool { return len(m.History(0)) == 3 }, 2*time.Second, 10*time.Millisecond)

	latest := m.Latest(context.Background())
	assert.Positive(t, latest.CPUCount)
	assert.Positive(t, latest.MemoryTotal)
	assert.Len(t, m.History(2), 2)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.NoError(t, m.Stop())
}

func TestResourceMonitorWatch(t *testing.T) {
	m := NewResourceMonitor(&ResourceMonitorConfig{Interval: 10 * time.Millisecond, Logger: newTestLogger(t)})

	var calls atomic.Int32
	m.Watch(func(r *Resources) {
		calls.Add(1)
	})
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestLatestWithoutStart(t *testing.T) {
	m := NewResourceMonitor(&ResourceMonitorConfig{Logger: newTestLogger(t)})
	r := m.Latest(context.Background())
	assert.False(t, r.Timestamp.IsZero())
	assert.Empty(t, m.History(5))
}

func TestSystemMemory(t *testing.T) {
	var probe MemoryProbe = SystemMemory{}
	avail, err := probe.AvailableMemory(context.Background())
	require.NoError(t, err)
	assert.Positive(t, avail)
}
