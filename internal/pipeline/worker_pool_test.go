package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestWorkerPoolProcessesQueuedBeforeDrain(t *testing.T) {
	var processed int64
	pool := newWorkerPool(context.Background(), 4, 32, func(_ context.Context, n int) {
		atomic.AddInt64(&processed, 1)
	})

	for i := 0; i < 20; i++ {
		if !pool.Submit(i) {
			t.Fatalf("submit %d refused with queue capacity to spare", i)
		}
	}
	pool.Drain()

	if got := atomic.LoadInt64(&processed); got != 20 {
		t.Errorf("processed %d items, want 20", got)
	}
}

func TestWorkerPoolSubmitAfterDrainRefused(t *testing.T) {
	pool := newWorkerPool(context.Background(), 2, 8, func(context.Context, int) {})
	pool.Drain()

	// A retry loop may still hand work over during shutdown; the pool must
	// refuse it so the caller falls back to inline processing.
	if pool.Submit(1) {
		t.Fatal("submit after drain must return false")
	}
}

func TestWorkerPoolSubmitDuringDrain(t *testing.T) {
	var processed int64
	pool := newWorkerPool(context.Background(), 4, 64, func(_ context.Context, n int) {
		atomic.AddInt64(&processed, 1)
	})

	var accepted int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if pool.Submit(j) {
					atomic.AddInt64(&accepted, 1)
				}
			}
		}()
	}

	pool.Drain()
	wg.Wait()

	if got := atomic.LoadInt64(&processed); got != atomic.LoadInt64(&accepted) {
		t.Errorf("processed %d of %d accepted items", got, accepted)
	}
}

func TestWorkerPoolQueueBounds(t *testing.T) {
	started := make(chan struct{}, 8)
	block := make(chan struct{})
	pool := newWorkerPool(context.Background(), 1, 2, func(_ context.Context, n int) {
		started <- struct{}{}
		<-block
	})

	// Occupy the single worker, then fill the queue; the next submit must
	// be refused, not blocked.
	if !pool.Submit(0) {
		t.Fatal("first submit refused")
	}
	<-started

	submitted := 0
	for i := 1; i < 5; i++ {
		if pool.Submit(i) {
			submitted++
		}
	}
	if submitted != 2 {
		t.Errorf("accepted %d queued items, want queue capacity = 2", submitted)
	}

	close(block)
	pool.Drain()
}
