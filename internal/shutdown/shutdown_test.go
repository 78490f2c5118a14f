package shutdown

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/evolver/internal/logger"
)

func newManager(timeout time.Duration) *Manager {
	return NewManager(timeout, logger.New(&bytes.Buffer{}, "error", false))
}

func TestHooksRunInPriorityOrder(t *testing.T) {
	m := newManager(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) Hook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	m.Register("logger", record("logger"), PriorityLow)
	m.Register("storage", record("storage"), PriorityNormal)
	m.Register("http", record("http"), PriorityCritical)
	m.Register("queue", record("queue"), PriorityHigh)
	m.Register("hub", record("hub"), PriorityCritical)

	m.Start()
	m.Stop()
	results := m.Wait()

	assert.Equal(t, []string{"http", "hub", "queue", "storage", "logger"}, order)
	require.Len(t, results, 5)
	assert.Equal(t, "http", results[0].Name)
}

func TestHookFailuresDoNotStopOthers(t *testing.T) {
	m := newManager(20 * time.Millisecond)

	ran := false
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	m.Register("fails", func(context.Context) error { return errors.New("boom") }, PriorityCritical)
	m.Register("hangs", func(ctx context.Context) error {
		<-block
		return nil
	}, PriorityHigh)
	m.Register("panics", func(context.Context) error { panic("oops") }, PriorityNormal)
	m.Register("last", func(context.Context) error { ran = true; return nil }, PriorityLow)

	m.Stop()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	results := m.Wait()

	require.Len(t, results, 4)
	assert.EqualError(t, results[0].Err, "boom")
	assert.ErrorIs(t, results[1].Err, context.DeadlineExceeded)
	assert.Contains(t, results[2].Err.Error(), "oops")
	assert.NoError(t, results[3].Err)
	assert.True(t, ran)
}

func TestStopIsIdempotent(t *testing.T) {
	m := newManager(time.Second)
	calls := 0
	m.Register("once", func(context.Context) error { calls++; return nil }, PriorityNormal)

	m.Start()
	m.Stop()
	m.Stop()
	m.Wait()
	m.Start()
	assert.Equal(t, 1, calls)
}
