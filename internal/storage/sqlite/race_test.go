package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
)

// newRaceStore creates a file-backed store so concurrent goroutines exercise
// WAL mode and the busy timeout.
func newRaceStore(t *testing.T) *ResilientStore {
	t.Helper()
	inner, err := New(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { inner.Close() })
	return NewResilient(inner)
}

// TestConcurrentCreatesRecordEveryPair books the same window from 10
// goroutines; every pair must end up with exactly one conflict.
func TestConcurrentCreatesRecordEveryPair(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	env, err := st.CreateEnvironment(ctx, core.Environment{Name: "race"})
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	const workers = 10

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := st.CreateBooking(ctx, core.Booking{
				EnvironmentID: env.ID,
				UserID:        int64(n + 1),
				ProjectName:   fmt.Sprintf("worker-%d", n),
				StartTime:     t0,
				EndTime:       t0.Add(time.Hour),
			})
			if err != nil {
				t.Errorf("worker %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	conflicts, err := st.ListConflicts(ctx, core.ConflictFilter{EnvironmentID: env.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want := workers * (workers - 1) / 2; len(conflicts) != want {
		t.Fatalf("expected %d conflicts, got %d", want, len(conflicts))
	}
}

// TestConcurrentSweepsInsertOnce runs overlapping sweeps over the same
// unrecorded pairs.
func TestConcurrentSweepsInsertOnce(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	env, err := st.CreateEnvironment(ctx, core.Environment{Name: "race"})
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	for i := 0; i < 4; i++ {
		insertRawBooking(t, st.inner, env.ID, t0, t0.Add(time.Hour), core.BookingApproved)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			found, err := st.SweepConflicts(ctx, t0)
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			mu.Lock()
			total += len(found)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 6 {
		t.Fatalf("expected 6 conflicts inserted across sweeps, got %d", total)
	}
	conflicts, _ := st.ListConflicts(ctx, core.ConflictFilter{})
	if len(conflicts) != 6 {
		t.Fatalf("expected 6 stored conflicts, got %d", len(conflicts))
	}
}
