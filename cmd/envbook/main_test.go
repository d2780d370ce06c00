package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/envbook/internal/auth"
	"github.com/mistakeknot/envbook/internal/core"
	"github.com/mistakeknot/envbook/internal/storage/sqlite"
)

func TestInitCommandCreatesKey(t *testing.T) {
	tmp := t.TempDir()
	keyPath := filepath.Join(tmp, "envbook.keys.yaml")

	cmd := initCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--user", "ops", "--id", "42", "--role", "manager", "--keys-file", keyPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute init: %v", err)
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	if !bytes.Contains(data, []byte("ops")) {
		t.Fatalf("expected user section to be written")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	key := lines[len(lines)-1]
	ring, err := auth.LoadKeyring(keyPath)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	u, ok := ring.UserForKey(key)
	if !ok || u.ID != 42 || u.Role != core.RoleManager {
		t.Fatalf("printed key does not resolve to ops: %+v ok=%v", u, ok)
	}
}

func TestInitCommandRequiresUser(t *testing.T) {
	cmd := initCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--keys-file", filepath.Join(t.TempDir(), "k.yaml")})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error without --user")
	}
}

func TestSweepCommandCompletesFinishedBookings(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "envbook.db")
	st, err := sqlite.New(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	env, err := st.CreateEnvironment(ctx, core.Environment{Name: "int-1"})
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	start := time.Now().UTC().Add(-3 * time.Hour)
	res, err := st.CreateBooking(ctx, core.Booking{
		EnvironmentID: env.ID, UserID: 1, ProjectName: "nightly",
		StartTime: start, EndTime: start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	if _, err := st.UpdateBookingStatus(ctx, res.Booking.ID, core.BookingApproved, start.Add(time.Minute)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	st.Close()

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"sweep", "--db", dbPath})
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("sweep: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "status-sweep\t1") {
		t.Fatalf("expected one status change, got:\n%s", out.String())
	}

	st, err = sqlite.New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	b, err := st.GetBooking(ctx, res.Booking.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != core.BookingCompleted {
		t.Fatalf("expected completed, got %s", b.Status)
	}
	e, _ := st.GetEnvironment(ctx, env.ID)
	if e.CurrentUsage != 0 || e.Status != core.EnvironmentAvailable {
		t.Fatalf("environment not released: %+v", e)
	}
}
