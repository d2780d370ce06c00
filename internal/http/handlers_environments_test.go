package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/mistakeknot/envbook/internal/core"
)

func TestEnvironments(t *testing.T) {
	env := newTestEnv(t)

	requireError(t, env.post(t, alice, "/api/environments", environmentRequest{Name: "perf-1"}),
		http.StatusForbidden, "managers")

	resp := env.post(t, admin, "/api/environments", environmentRequest{Name: "perf-1", Type: "performance"})
	requireStatus(t, resp, http.StatusCreated)
	created := decodeJSON[core.Environment](t, resp)
	if created.Status != core.EnvironmentAvailable || created.CurrentUsage != 0 {
		t.Fatalf("unexpected new environment %+v", created)
	}

	requireError(t, env.post(t, manager, "/api/environments", environmentRequest{Name: "perf-1"}),
		http.StatusBadRequest, "already exists")
	requireError(t, env.post(t, manager, "/api/environments", environmentRequest{Name: "x", Status: "broken"}),
		http.StatusBadRequest, "status")

	list := decodeJSON[environmentsResponse](t, env.get(t, bob, "/api/environments"))
	if len(list.Environments) != 2 {
		t.Fatalf("expected 2 environments, got %d", len(list.Environments))
	}

	resp = env.get(t, bob, fmt.Sprintf("/api/environments/%d", created.ID))
	requireStatus(t, resp, http.StatusOK)
	if got := decodeJSON[core.Environment](t, resp); got.Name != "perf-1" {
		t.Fatalf("expected perf-1, got %q", got.Name)
	}
	requireError(t, env.get(t, bob, "/api/environments/99"), http.StatusNotFound, "not found")
	requireError(t, env.get(t, bob, "/api/environments/x"), http.StatusBadRequest, "invalid")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, nobody, "/healthz")
	requireStatus(t, resp, http.StatusOK)
	got := decodeJSON[healthResponse](t, resp)
	if got.Status != "ok" || got.CircuitBreaker != "closed" {
		t.Fatalf("unexpected health %+v", got)
	}
}

func TestHealthzReportsUnavailableStore(t *testing.T) {
	env := newTestEnv(t)
	_ = env.store.Close()

	resp := env.get(t, nobody, "/healthz")
	requireStatus(t, resp, http.StatusServiceUnavailable)
	if got := decodeJSON[healthResponse](t, resp); got.Status != "unavailable" {
		t.Fatalf("expected unavailable, got %+v", got)
	}

	requireError(t, env.get(t, alice, "/api/environments"), http.StatusInternalServerError, "internal server error")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.book(t, alice, at(9, 0), at(10, 0), core.PriorityHigh)

	resp := env.get(t, nobody, "/metrics")
	requireStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`envbook_bookings_created_total{priority="high"} 1`,
		`envbook_http_requests_total{code="201",method="POST"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
