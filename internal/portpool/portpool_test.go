package portpool

import (
	"errors"
	"sync"
	"testing"
)

func TestNewRejectsBadRange(t *testing.T) {
	tests := []struct {
		name      string
		low, high int
	}{
		{"empty", 100, 100},
		{"inverted", 200, 100},
		{"zero low", 0, 10},
		{"too high", 65000, 70000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.low, tt.high); err == nil {
				t.Errorf("New(%d, %d) succeeded", tt.low, tt.high)
			}
		})
	}
}

func TestAllocateLowestFirst(t *testing.T) {
	p, err := New(27183, 27186)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []int{27183, 27184, 27185} {
		got, allocErr := p.Allocate()
		if allocErr != nil {
			t.Fatalf("Allocate: %v", allocErr)
		}
		if got != want {
			t.Errorf("Allocate = %d, want %d", got, want)
		}
	}

	p.Release(27184)
	got, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if got != 27184 {
		t.Errorf("after release Allocate = %d, want 27184", got)
	}
}

func TestExhausted(t *testing.T) {
	p, _ := New(5000, 5002)
	for i := 0; i < 2; i++ {
		if _, err := p.Allocate(); err != nil {
			t.Fatal(err)
		}
	}
	_, err := p.Allocate()
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if p.Leased() != 2 {
		t.Errorf("Leased = %d, want 2", p.Leased())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p, _ := New(5000, 5002)
	port, _ := p.Allocate()
	p.Release(port)
	p.Release(port)
	p.Release(4000)
	if p.Leased() != 0 {
		t.Errorf("Leased = %d, want 0", p.Leased())
	}
}

func TestConcurrentAllocateUnique(t *testing.T) {
	p, _ := New(10000, 10100)

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := p.Allocate()
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[port] {
				t.Errorf("port %d leased twice", port)
			}
			seen[port] = true
		}()
	}
	wg.Wait()

	if _, err := p.Allocate(); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected exhaustion after %d leases, got %v", p.Capacity(), err)
	}
}
