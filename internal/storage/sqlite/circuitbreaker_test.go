package sqlite

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
)

func tripBreaker(cb *CircuitBreaker, n int) {
	testErr := errors.New("disk I/O error")
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	tripBreaker(cb, 5)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 5 failures, got %s", cb.State())
	}
}

func TestBreakerRejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	tripBreaker(cb, 5)

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn should not have been called when breaker is open")
	}
}

func TestBreakerResetsAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	tripBreaker(cb, 5)

	now = now.Add(200 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestBreakerProbeFailureReOpens(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	tripBreaker(cb, 5)

	now = now.Add(200 * time.Millisecond)
	tripBreaker(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after probe failure, got %s", cb.State())
	}
}

func TestBreakerIgnoresDomainErrors(t *testing.T) {
	cb := NewCircuitBreaker(2, 30*time.Second).CountOnly(isInfraError)
	for i := 0; i < 10; i++ {
		_ = cb.Execute(func() error { return core.NotFound("booking", 1) })
		_ = cb.Execute(func() error { return core.Invalid("end_time", "must be after start_time") })
	}
	if cb.State() != StateClosed {
		t.Fatalf("domain errors must not trip the breaker, got %s", cb.State())
	}
}

func TestBreakerReportsTransitions(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	var seen []string
	cb.OnStateChange(func(from, to BreakerState) {
		seen = append(seen, from.String()+">"+to.String())
	})

	tripBreaker(cb, 1)
	now = now.Add(time.Second)
	_ = cb.Execute(func() error { return nil })

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	tripBreaker(cb, 3)
	_ = cb.Execute(func() error { return nil })
	tripBreaker(cb, 3)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed (3+3 non-consecutive < threshold 5), got %s", cb.State())
	}
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(100, 30*time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error { return nil })
			_ = cb.State()
		}()
	}
	wg.Wait()
}
