package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/envbook/internal/auth"
	"github.com/mistakeknot/envbook/internal/booking"
	"github.com/mistakeknot/envbook/internal/conflict"
	"github.com/mistakeknot/envbook/internal/core"
	"github.com/mistakeknot/envbook/internal/metrics"
	"github.com/mistakeknot/envbook/internal/notify"
	"github.com/mistakeknot/envbook/internal/storage/sqlite"
	"github.com/mistakeknot/envbook/internal/ws"
)

// t0 is the fixed service clock. Booking windows in tests start an hour later.
var t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

// caller is who a test request claims to be via the localhost identity headers.
type caller struct {
	id   int64
	role core.Role
}

var (
	alice   = caller{id: 1, role: core.RoleUser}
	bob     = caller{id: 2, role: core.RoleUser}
	manager = caller{id: 101, role: core.RoleManager}
	admin   = caller{id: 100, role: core.RoleAdmin}
	nobody  = caller{}
)

// testEnv bundles the services + httptest.Server + ws.Hub for handler tests.
// Uses localhost auth bypass so no API key is needed for requests.
type testEnv struct {
	srv     *httptest.Server
	hub     *ws.Hub
	store   *sqlite.Store
	metrics *metrics.Metrics
	env     core.Environment
}

type envOption func(*conflict.Service)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	ctx := context.Background()
	for _, u := range []core.User{
		{ID: admin.id, Username: "admin", Role: core.RoleAdmin, Active: true, RemindersEnabled: true},
		{ID: manager.id, Username: "manager", Role: core.RoleManager, Active: true, RemindersEnabled: true},
	} {
		if _, err := st.UpsertUser(ctx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	env, err := st.CreateEnvironment(ctx, core.Environment{Name: "staging-1", Type: "staging"})
	if err != nil {
		t.Fatalf("seed environment: %v", err)
	}

	clock := func() time.Time { return t0 }
	m := metrics.New()
	hub := ws.NewHub(nil)
	emitter := notify.NewEmitter(st, nil).WithBroadcaster(hub).WithClock(clock)
	bookings := booking.NewService(st, nil).
		WithNotifier(emitter).
		WithBroadcaster(hub).
		WithClock(clock).
		WithMetrics(m)
	conflicts := conflict.NewService(st, nil).WithClock(clock)
	for _, opt := range opts {
		opt(conflicts)
	}
	svc := NewService(bookings, conflicts, emitter, st, nil).
		WithHealth(sqlite.NewResilient(st)).
		WithMetrics(m)
	ring := auth.NewKeyring(true, map[string]core.User{
		"carol-key": {ID: 3, Username: "carol", Role: core.RoleUser},
	})
	srv := httptest.NewServer(NewRouter(svc, hub, auth.Middleware(ring)))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, store: st, metrics: m, env: env}
}

func (e *testEnv) do(t *testing.T, c caller, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.id > 0 {
		req.Header.Set(auth.HeaderUserID, fmt.Sprint(c.id))
		req.Header.Set(auth.HeaderUserRole, string(c.role))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) post(t *testing.T, c caller, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, c, http.MethodPost, path, body)
}

func (e *testEnv) get(t *testing.T, c caller, path string) *http.Response {
	t.Helper()
	return e.do(t, c, http.MethodGet, path, nil)
}

func (e *testEnv) put(t *testing.T, c caller, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, c, http.MethodPut, path, body)
}

func (e *testEnv) patch(t *testing.T, c caller, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, c, http.MethodPatch, path, body)
}

func (e *testEnv) delete(t *testing.T, c caller, path string) *http.Response {
	t.Helper()
	return e.do(t, c, http.MethodDelete, path, nil)
}

// book creates a booking on the seeded environment for [start, end).
func (e *testEnv) book(t *testing.T, c caller, start, end time.Time, priority core.Priority) createBookingResponse {
	t.Helper()
	resp := e.post(t, c, "/api/bookings", map[string]any{
		"environment_id": e.env.ID,
		"project_name":   "checkout",
		"start_time":     start,
		"end_time":       end,
		"priority":       priority,
	})
	requireStatus(t, resp, http.StatusCreated)
	return decodeJSON[createBookingResponse](t, resp)
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// requireError checks the status and that the body is {"error": ...} containing want.
func requireError(t *testing.T, resp *http.Response, code int, want string) {
	t.Helper()
	requireStatus(t, resp, code)
	body := decodeJSON[errorResponse](t, resp)
	if !strings.Contains(body.Error, want) {
		t.Fatalf("expected error containing %q, got %q", want, body.Error)
	}
}
