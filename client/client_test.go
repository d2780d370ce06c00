package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestClientFailsWithoutServer(t *testing.T) {
	c := New("http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.GetBooking(ctx, 1); err == nil {
		t.Fatalf("expected failure without server")
	}
}

func TestClientCreateBooking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/bookings" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer k1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EnvironmentID != 3 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(CreateBookingResponse{
			BookingID:           9,
			Booking:             Booking{ID: 9, EnvironmentID: 3, Status: "pending"},
			ConflictsDetected:   true,
			Conflicts:           []Conflict{{ID: 1, BookingID1: 4, BookingID2: 9, Severity: "medium"}},
			ConflictingBookings: []Booking{{ID: 4, EnvironmentID: 3, UserID: 2, Status: "approved"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIKey("k1"))
	res, err := c.CreateBooking(context.Background(), CreateBookingRequest{
		EnvironmentID: 3, ProjectName: "p",
		StartTime: time.Now(), EndTime: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.BookingID != 9 || !res.ConflictsDetected || len(res.Conflicts) != 1 {
		t.Fatalf("unexpected response %+v", res)
	}
	if len(res.ConflictingBookings) != 1 || res.ConflictingBookings[0].ID != 4 {
		t.Fatalf("expected conflicting booking 4, got %+v", res.ConflictingBookings)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/bookings/5":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Cannot delete an active booking"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"conflict 77 not found"}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithIdentity(1, "user"))
	err := c.DeleteBooking(context.Background(), 5)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Message != "Cannot delete an active booking" {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	_, err = c.ResolveConflict(context.Background(), 77, "done")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClientSendsQueryAndIdentity(t *testing.T) {
	var gotQuery, gotUser, gotRole string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotUser = r.Header.Get("X-User-ID")
		gotRole = r.Header.Get("X-User-Role")
		_, _ = w.Write([]byte(`{"bookings":[{"id":1},{"id":2}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithIdentity(12, "manager"))
	list, err := c.ListBookings(context.Background(), BookingQuery{EnvironmentID: 2, Statuses: []string{"approved", "active"}, Mine: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 bookings, got %d", len(list))
	}
	if gotQuery != "environment_id=2&mine=true&status=approved%2Cactive" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if gotUser != "12" || gotRole != "manager" {
		t.Fatalf("identity headers not sent: %q %q", gotUser, gotRole)
	}
}

func TestWSClientDispatchesEnvironmentEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/environments/4" || r.Header.Get("X-User-ID") != "1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, map[string]any{"type": EventBookingStarted, "data": map[string]any{"booking": map[string]any{"id": 3}}})
		_ = wsjson.Write(ctx, conn, map[string]any{"type": EventConflictDetected, "room": "environment:4", "data": map[string]any{"id": 8, "booking_id_1": 2, "booking_id_2": 3}})
		// hold the connection until the client goes away
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	ws := NewEnvironmentWS(srv.URL, 4, WithWSIdentity(1, "user"))
	got := make(chan Event, 4)
	ws.OnEvent(FilteredEventHandler(func(e Event) { got <- e }, EventConflictDetected))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ws.Close()

	select {
	case e := <-got:
		c, err := e.AsConflict()
		if err != nil {
			t.Fatalf("decode conflict: %v", err)
		}
		if c.ID != 8 || c.BookingID2 != 3 {
			t.Fatalf("unexpected conflict %+v", c)
		}
	case <-ctx.Done():
		t.Fatal("no conflict event received")
	}
}
