package util

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitOrFail(t *testing.T, wg *sync.WaitGroup, what string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not complete in time", what)
	}
}

func TestSafeGoWithName(t *testing.T) {
	var wg sync.WaitGroup
	var executed atomic.Bool

	wg.Add(1)
	SafeGoWithName("test-goroutine", func() {
		defer wg.Done()
		executed.Store(true)
	})
	waitOrFail(t, &wg, "SafeGoWithName")

	if !executed.Load() {
		t.Error("SafeGoWithName did not execute the function")
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		panic("test panic")
	})
	waitOrFail(t, &wg, "SafeGo after panic")
}

func TestGoTracked(t *testing.T) {
	var wg sync.WaitGroup
	var counter atomic.Int32

	for i := 0; i < 50; i++ {
		GoTracked(&wg, "worker", func() {
			counter.Add(1)
		})
	}
	GoTracked(&wg, "panicker", func() {
		panic("tracked panic")
	})
	waitOrFail(t, &wg, "GoTracked")

	if counter.Load() != 50 {
		t.Errorf("expected 50 runs, got %d", counter.Load())
	}
}
