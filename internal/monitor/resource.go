// Package monitor samples host resources for the memory guard and the info
// endpoint.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Resources is a point-in-time view of the host and this process.
type Resources struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUCount        int       `json:"cpuCount"`
	CPUUsage        float64   `json:"cpuUsage"` // percent
	MemoryTotal     uint64    `json:"memoryTotal"`
	MemoryAvailable uint64    `json:"memoryAvailable"`
	MemoryUsed      uint64    `json:"memoryUsed"`
	LoadAverage     []float64 `json:"loadAverage"`
	HeapAlloc       uint64    `json:"heapAlloc"`
	Goroutines      int       `json:"goroutines"`
	Uptime          int64     `json:"uptime"` // seconds
}

// MemoryProbe reports how many bytes can still be allocated.
type MemoryProbe interface {
	AvailableMemory(ctx context.Context) (uint64, error)
}

// SystemMemory reads available memory from the OS on every call.
type SystemMemory struct{}

func (SystemMemory) AvailableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read memory stats: %w", err)
	}
	return vm.Available, nil
}

// ResourceMonitorConfig configures a ResourceMonitor.
type ResourceMonitorConfig struct {
	Interval   time.Duration // default 5s
	Callback   func(*Resources)
	Logger     *logger.Logger
	MaxMetrics int // history length, default 100
}

// ResourceMonitor samples resources periodically and keeps a short history.
type ResourceMonitor struct {
	interval  time.Duration
	callbacks []func(*Resources)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	mu        sync.RWMutex
	startTime time.Time

	latest     *Resources
	history    []Resources
	maxMetrics int

	log *logger.Logger
}

// NewResourceMonitor creates a stopped monitor.
func NewResourceMonitor(config *ResourceMonitorConfig) *ResourceMonitor {
	if config == nil {
		config = &ResourceMonitorConfig{}
	}
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}
	if config.MaxMetrics == 0 {
		config.MaxMetrics = 100
	}
	log := config.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	m := &ResourceMonitor{
		interval:   config.Interval,
		startTime:  time.Now(),
		maxMetrics: config.MaxMetrics,
		log:        log,
	}
	if config.Callback != nil {
		m.callbacks = append(m.callbacks, config.Callback)
	}
	return m
}

// Start begins sampling in the background.
func (m *ResourceMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("resource monitor already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.monitorLoop(m.ctx)

	m.log.Infof("resource monitor started, interval %v", m.interval)
	return nil
}

// Stop halts sampling. Stopping twice is a no-op.
func (m *ResourceMonitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.log.Info("resource monitor stopped")
	return nil
}

// IsRunning reports whether the sampling loop is active.
func (m *ResourceMonitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Watch registers a callback invoked after every sample.
func (m *ResourceMonitor) Watch(callback func(*Resources)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Latest returns the most recent sample, taking one if none exists yet.
func (m *ResourceMonitor) Latest(ctx context.Context) *Resources {
	m.mu.RLock()
	latest := m.latest
	m.mu.RUnlock()
	if latest != nil {
		snapshot := *latest
		return &snapshot
	}
	r := m.sample(ctx)
	return &r
}

// History returns up to count recent samples, oldest first.
func (m *ResourceMonitor) History(count int) []Resources {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if count <= 0 || count > len(m.history) {
		count = len(m.history)
	}
	out := make([]Resources, count)
	copy(out, m.history[len(m.history)-count:])
	return out
}

// AvailableMemory implements MemoryProbe with a fresh reading.
func (m *ResourceMonitor) AvailableMemory(ctx context.Context) (uint64, error) {
	return SystemMemory{}.AvailableMemory(ctx)
}

func (m *ResourceMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	m.update(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.update(ctx)
		}
	}
}

func (m *ResourceMonitor) update(ctx context.Context) {
	r := m.sample(ctx)

	m.mu.Lock()
	m.latest = &r
	m.history = append(m.history, r)
	if len(m.history) > m.maxMetrics {
		m.history = m.history[1:]
	}
	callbacks := append([]func(*Resources){}, m.callbacks...)
	m.mu.Unlock()

	for _, callback := range callbacks {
		snapshot := r
		callback(&snapshot)
	}
}

func (m *ResourceMonitor) sample(ctx context.Context) Resources {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r := Resources{
		Timestamp:   time.Now(),
		CPUCount:    runtime.NumCPU(),
		HeapAlloc:   ms.HeapAlloc,
		Goroutines:  runtime.NumGoroutine(),
		Uptime:      int64(time.Since(m.startTime).Seconds()),
		LoadAverage: []float64{0, 0, 0},
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.MemoryTotal, r.MemoryAvailable, r.MemoryUsed = vm.Total, vm.Available, vm.Used
	} else {
		m.log.Debugf("read memory stats: %v", err)
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		r.CPUUsage = pct[0]
	} else if err != nil {
		m.log.Debugf("read cpu usage: %v", err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		r.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return r
}
