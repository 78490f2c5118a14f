// Package shutdown runs cleanup hooks in priority order when the process is
// asked to stop.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/shepherd-project/evolver/internal/logger"
)

// Hook releases one resource.
type Hook func(ctx context.Context) error

// HookPriority defines the order in which hooks are executed
type HookPriority int

const (
	// PriorityCritical hooks run first, e.g. stop accepting requests.
	PriorityCritical HookPriority = iota
	// PriorityHigh hooks drain work, e.g. the task queue.
	PriorityHigh
	// PriorityNormal hooks release resources, e.g. storage.
	PriorityNormal
	// PriorityLow hooks run last, e.g. flushing logs.
	PriorityLow
)

type hook struct {
	name     string
	fn       Hook
	priority HookPriority
	order    int
}

// Result records how one hook ended.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Manager manages graceful shutdown
type Manager struct {
	mu       sync.Mutex
	hooks    []hook
	timeout  time.Duration
	signals  chan os.Signal
	stop     chan struct{}
	done     chan struct{}
	results  []Result
	started  bool
	stopOnce sync.Once
	log      *logger.Logger
}

// NewManager creates a manager whose hooks each get timeout to finish.
func NewManager(timeout time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		timeout: timeout,
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
	}
}

// Register adds a hook. Hooks of equal priority run in registration order.
func (m *Manager) Register(name string, fn Hook, priority HookPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn, priority: priority, order: len(m.hooks)})
	m.log.Debugf("registered shutdown hook %s (priority %d)", name, priority)
}

// Start begins listening for SIGINT and SIGTERM.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.signals, os.Interrupt, syscall.SIGTERM)
	go m.wait()
}

func (m *Manager) wait() {
	defer signal.Stop(m.signals)
	select {
	case sig := <-m.signals:
		m.log.Infof("received signal %v, shutting down", sig)
	case <-m.stop:
		m.log.Info("shutdown requested")
	}
	m.run()
}

// Stop triggers the shutdown without a signal. It is safe to call more
// than once and before Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.started
	m.started = true
	m.mu.Unlock()
	if !started {
		go m.run()
	}
}

func (m *Manager) run() {
	m.mu.Lock()
	hooks := append([]hook(nil), m.hooks...)
	m.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].priority != hooks[j].priority {
			return hooks[i].priority < hooks[j].priority
		}
		return hooks[i].order < hooks[j].order
	})

	results := make([]Result, 0, len(hooks))
	for _, h := range hooks {
		results = append(results, m.runHook(h))
	}

	m.mu.Lock()
	m.results = results
	m.mu.Unlock()
	m.log.Info("shutdown complete")
	close(m.done)
}

func (m *Manager) runHook(h hook) Result {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	start := time.Now()
	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- panicError{r}
			}
		}()
		errc <- h.fn(ctx)
	}()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}

	res := Result{Name: h.name, Err: err, Duration: time.Since(start)}
	entry := m.log.WithFields(map[string]interface{}{"hook": h.name, "duration": res.Duration.String()})
	if err != nil {
		entry.WithError(err).Error("shutdown hook failed")
	} else {
		entry.Info("shutdown hook finished")
	}
	return res
}

type panicError struct{ v any }

func (p panicError) Error() string {
	return fmt.Sprintf("panic in shutdown hook: %v", p.v)
}

// Done is closed once every hook has run.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until shutdown is complete and returns the hook results in
// the order they ran.
func (m *Manager) Wait() []Result {
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.results...)
}
