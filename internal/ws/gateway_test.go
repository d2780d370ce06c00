package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/envbook/internal/auth"
	"github.com/mistakeknot/envbook/internal/core"
)

func newHubServer(t *testing.T, ring *auth.Keyring) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	mw := auth.Middleware(ring)
	mux := http.NewServeMux()
	mux.Handle("/ws/environments/", mw(hub.EnvironmentHandler()))
	mux.Handle("/ws/notifications", mw(hub.NotificationsHandler()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, srv
}

// dialWS connects a WebSocket client to path on srv.
func dialWS(t *testing.T, srv *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("ws dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// waitSubscribers blocks until room has n subscribers; the server registers a
// connection just after the handshake completes.
func waitSubscribers(t *testing.T, hub *Hub, room string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(room) != n {
		if time.Now().After(deadline) {
			t.Fatalf("room %s: expected %d subscribers, have %d", room, n, hub.Subscribers(room))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readWSEvent reads a single JSON event from a WS connection with a timeout.
func readWSEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) core.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var event core.Event
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func TestWSAuthRejection(t *testing.T) {
	ring := auth.NewKeyring(true, map[string]core.User{"secret-a": {ID: 1, Role: core.RoleUser}})
	hub := NewHub(nil)
	mw := auth.Middleware(ring)

	t.Run("remote IP without bearer rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/environments/1", nil)
		req.RemoteAddr = "203.0.113.10:9999"
		rr := httptest.NewRecorder()
		mw(hub.EnvironmentHandler()).ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("bad environment id rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/environments/abc", nil)
		req.RemoteAddr = "127.0.0.1:9999"
		rr := httptest.NewRecorder()
		mw(hub.EnvironmentHandler()).ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("anonymous notifications rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/notifications", nil)
		req.RemoteAddr = "127.0.0.1:9999"
		rr := httptest.NewRecorder()
		mw(hub.NotificationsHandler()).ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})
}

func TestWSEnvironmentRoomDelivery(t *testing.T) {
	hub, srv := newHubServer(t, nil)
	connA := dialWS(t, srv, "/ws/environments/1", nil)
	connB := dialWS(t, srv, "/ws/environments/2", nil)
	waitSubscribers(t, hub, core.EnvironmentRoom(1), 1)
	waitSubscribers(t, hub, core.EnvironmentRoom(2), 1)

	hub.Broadcast(core.EnvironmentRoom(1), core.Event{Type: core.EventConflictDetected, Data: map[string]int{"conflict_id": 3}})

	ev := readWSEvent(t, connA, 2*time.Second)
	if ev.Type != core.EventConflictDetected || ev.Room != "environment:1" || ev.ID == "" || ev.CreatedAt.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var noop map[string]any
	if err := wsjson.Read(ctx, connB, &noop); err == nil {
		t.Fatal("environment 2 must not receive environment 1 events")
	}
}

func TestWSNotificationsUseCallerRoom(t *testing.T) {
	hub, srv := newHubServer(t, nil)
	conn := dialWS(t, srv, "/ws/notifications", http.Header{auth.HeaderUserID: []string{"9"}})
	waitSubscribers(t, hub, core.UserRoom(9), 1)

	hub.Broadcast(core.UserRoom(8), core.Event{Type: core.EventNotification})
	hub.Broadcast(core.UserRoom(9), core.Event{Type: core.EventNotification, Data: "mine"})

	ev := readWSEvent(t, conn, 2*time.Second)
	if ev.Room != "user:9" || ev.Data != "mine" {
		t.Fatalf("expected only user 9's event, got %+v", ev)
	}
}

func TestWSSubscriptionCleanup(t *testing.T) {
	hub, srv := newHubServer(t, nil)
	conn := dialWS(t, srv, "/ws/environments/5", nil)
	room := core.EnvironmentRoom(5)
	waitSubscribers(t, hub, room, 1)

	conn.Close(websocket.StatusNormalClosure, "done")
	waitSubscribers(t, hub, room, 0)

	// Broadcasting to an empty room is a no-op.
	hub.Broadcast(room, core.Event{Type: core.EventBookingStarted})
}

func TestWSConcurrentBroadcast(t *testing.T) {
	hub, srv := newHubServer(t, nil)
	const numSubscribers = 10
	const numEvents = 5
	room := core.EnvironmentRoom(1)

	conns := make([]*websocket.Conn, numSubscribers)
	for i := range conns {
		conns[i] = dialWS(t, srv, "/ws/environments/1", nil)
	}
	waitSubscribers(t, hub, room, numSubscribers)

	for i := 0; i < numEvents; i++ {
		hub.Broadcast(room, core.Event{Type: core.EventBookingStatusChanged, Data: fmt.Sprintf("ev-%d", i)})
	}

	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < numEvents; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				var event core.Event
				err := wsjson.Read(ctx, conns[idx], &event)
				cancel()
				if err != nil {
					t.Errorf("subscriber %d failed to read event %d: %v", idx, j, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestWSStalledSubscriberDoesNotBlockBroadcast(t *testing.T) {
	hub, srv := newHubServer(t, nil)
	room := core.EnvironmentRoom(1)
	// stalled never reads, so its socket buffers fill and its queue backs up.
	_ = dialWS(t, srv, "/ws/environments/1", nil)
	live := dialWS(t, srv, "/ws/environments/1", nil)
	live.SetReadLimit(1 << 20)
	waitSubscribers(t, hub, room, 2)

	payload := strings.Repeat("x", 128<<10)
	for i := 0; hub.Subscribers(room) == 2; i++ {
		if i == 1000 {
			t.Fatal("stalled subscriber was never dropped")
		}
		start := time.Now()
		hub.Broadcast(room, core.Event{Type: core.EventBookingStatusChanged, Data: payload})
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("broadcast %d waited on a slow subscriber: %s", i, elapsed)
		}
		// Stay in lockstep with the live peer so only the stalled one falls behind.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var ev core.Event
		err := wsjson.Read(ctx, live, &ev)
		cancel()
		if err != nil {
			t.Fatalf("live subscriber read %d: %v", i, err)
		}
	}

	hub.Broadcast(room, core.Event{Type: core.EventBookingStatusChanged, Data: "last"})
	ev := readWSEvent(t, live, 5*time.Second)
	if ev.Data != "last" {
		t.Fatalf("live subscriber missed events after the drop, got %v", ev.Data)
	}
}
