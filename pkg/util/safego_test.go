package util

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSafeGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	SafeGo("test", func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo: function was not executed")
	}
}

func TestSafeGo_PanicCallsHooks(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"string_panic", "slot leak"},
		{"int_panic", 42},
		{"error_panic", errTest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make(chan any, 2)
			SafeGo("test", func() { panic(tt.value) },
				func(r any) { got <- r },
				func(r any) { got <- r },
			)
			for i := 0; i < 2; i++ {
				select {
				case r := <-got:
					if r != tt.value {
						t.Errorf("hook %d got %v, want %v", i, r, tt.value)
					}
				case <-time.After(time.Second):
					t.Fatalf("hook %d not called", i)
				}
			}
		})
	}
}

func TestSafeGo_NoHookWithoutPanic(t *testing.T) {
	var hooks atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo("test", func() { wg.Done() }, func(any) { hooks.Add(1) })
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	if n := hooks.Load(); n != 0 {
		t.Errorf("onPanic called %d times without panic", n)
	}
}

func TestSafeGo_MultipleConcurrent(t *testing.T) {
	const n = 100
	var counter atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		SafeGo("test", func() {
			defer wg.Done()
			counter.Add(1)
		})
	}

	wg.Wait()
	if got := counter.Load(); got != n {
		t.Errorf("SafeGo concurrent: executed %d/%d", got, n)
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("boom")
