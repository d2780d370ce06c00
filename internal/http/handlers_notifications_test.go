package httpapi

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/mistakeknot/envbook/internal/core"
)

func TestNotificationsFlow(t *testing.T) {
	env := newTestEnv(t)
	first := env.book(t, alice, at(9, 0), at(11, 0), "")
	env.book(t, bob, at(10, 0), at(12, 0), "")

	resp := env.get(t, alice, "/api/notifications?unread=true")
	requireStatus(t, resp, http.StatusOK)
	list := decodeJSON[notificationsResponse](t, resp)
	if len(list.Notifications) != 1 {
		t.Fatalf("expected one conflict alert for alice, got %+v", list.Notifications)
	}
	n := list.Notifications[0]
	if n.Type != core.NotificationConflictAlert || n.Link != core.BookingLink(first.BookingID) {
		t.Fatalf("unexpected notification %+v", n)
	}

	// Managers get an approval request per booking.
	mgr := decodeJSON[notificationsResponse](t, env.get(t, manager, "/api/notifications"))
	if len(mgr.Notifications) != 2 {
		t.Fatalf("expected 2 approval requests, got %d", len(mgr.Notifications))
	}
	for _, n := range mgr.Notifications {
		if n.Type != core.NotificationApprovalRequest {
			t.Fatalf("unexpected manager notification %s", n.Type)
		}
	}

	// Another user cannot touch alice's notification.
	requireError(t, env.put(t, bob, fmt.Sprintf("/api/notifications/%d/read", n.ID), nil), http.StatusNotFound, "not found")

	resp = env.put(t, alice, fmt.Sprintf("/api/notifications/%d/read", n.ID), nil)
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	list = decodeJSON[notificationsResponse](t, env.get(t, alice, "/api/notifications?unread=true"))
	if len(list.Notifications) != 0 {
		t.Fatalf("expected no unread notifications, got %d", len(list.Notifications))
	}

	resp = env.delete(t, alice, fmt.Sprintf("/api/notifications/%d", n.ID))
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	list = decodeJSON[notificationsResponse](t, env.get(t, alice, "/api/notifications"))
	if len(list.Notifications) != 0 {
		t.Fatalf("expected notification to be deleted, got %d", len(list.Notifications))
	}

	requireError(t, env.get(t, nobody, "/api/notifications"), http.StatusUnauthorized, "authentication")
	resp = env.get(t, alice, fmt.Sprintf("/api/notifications/%d/read", n.ID))
	requireStatus(t, resp, http.StatusMethodNotAllowed)
	resp.Body.Close()
}
