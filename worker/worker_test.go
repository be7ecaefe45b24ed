package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vstream/roomevents/internal/process"
)

func TestSubmitBoundsConcurrency(t *testing.T) {
	proc := process.NewContext()
	pool := NewPool(proc, 2)

	var current, max int32
	var mu sync.Mutex
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(4)

	for i := 0; i < 4; i++ {
		pool.Submit("test", func(ctx context.Context) error {
			defer wg.Done()
			n := atomic.AddInt32(&current, 1)
			mu.Lock()
			if n > max {
				max = n
			}
			mu.Unlock()
			<-release
			atomic.AddInt32(&current, -1)
			return nil
		})
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if max > 2 {
		t.Fatalf("observed %d concurrent tasks, want at most 2", max)
	}
}

func TestSubmitRecoversPanic(t *testing.T) {
	proc := process.NewContext()
	pool := NewPool(proc, 1)

	var ran int32
	pool.Submit("test", func(ctx context.Context) error {
		defer atomic.AddInt32(&ran, 1)
		panic("boom")
	})

	var second int32
	done := make(chan struct{})
	pool.Submit("test", func(ctx context.Context) error {
		atomic.AddInt32(&second, 1)
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not process the task after the prior task panicked")
	}
	if atomic.LoadInt32(&ran) != 1 || atomic.LoadInt32(&second) != 1 {
		t.Fatal("expected both the panicking task and the following task to run")
	}
}

func TestSubmitRunsTaskExactlyOnce(t *testing.T) {
	proc := process.NewContext()
	pool := NewPool(proc, 4)

	var calls int32
	done := make(chan struct{})
	pool.Submit("test", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		close(done)
		return errors.New("some failure")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one invocation, got %d", calls)
	}
}

func TestSubmitDrainsAfterShutdown(t *testing.T) {
	proc := process.NewContext()
	pool := NewPool(proc, 1)
	proc.Shutdown()

	pool.Submit("test", func(ctx context.Context) error {
		return nil
	})

	drained := make(chan struct{})
	go func() {
		proc.WaitForShutdown()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("WaitForShutdown did not return after the process was cancelled")
	}
}
