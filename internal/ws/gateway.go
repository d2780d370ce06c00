package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/envbook/internal/auth"
	"github.com/mistakeknot/envbook/internal/core"
)

const (
	writeTimeout = 5 * time.Second
	// sendQueue is how many events a subscriber may fall behind before it is
	// dropped.
	sendQueue = 64
)

// Hub fans events out to websocket subscribers grouped by room. Each
// subscriber has its own queue and writer goroutine, so a slow peer never
// holds up the caller of Broadcast.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*subscriber]struct{}
	logger *slog.Logger
	now    func() time.Time
}

type subscriber struct {
	conn *websocket.Conn
	send chan core.Event
	once sync.Once
}

func (s *subscriber) close(reason string) {
	s.once.Do(func() {
		go s.conn.Close(websocket.StatusGoingAway, reason)
	})
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[*subscriber]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// EnvironmentHandler serves /ws/environments/{id}. Any authenticated caller may
// watch an environment.
func (h *Hub) EnvironmentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/environments/"), "/")
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, ok := auth.FromContext(r.Context()); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.serve(w, r, core.EnvironmentRoom(id))
	}
}

// NotificationsHandler serves /ws/notifications, subscribing the caller to
// their own user room.
func (h *Hub) NotificationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.ActorFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.serve(w, r, core.UserRoom(actor.UserID))
	}
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	sub := &subscriber{conn: conn, send: make(chan core.Event, sendQueue)}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, room, sub)

	h.add(room, sub)
	defer h.remove(room, sub)

	// Subscribers never send anything meaningful; reading keeps the
	// connection alive until the peer goes away.
	for {
		var v any
		if err := wsjson.Read(ctx, conn, &v); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, room string, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, sub.conn, ev)
			cancel()
			if err != nil {
				h.logger.Debug("ws write failed", "room", room, "err", err)
				h.remove(room, sub)
				sub.close("write error")
				return
			}
		}
	}
}

// Broadcast queues ev for every subscriber of room and returns without
// waiting for the writes. A subscriber whose queue is full is dropped.
func (h *Hub) Broadcast(room string, ev core.Event) {
	subs := h.snapshot(room)
	if len(subs) == 0 {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Room = room
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = h.now().UTC()
	}
	for _, sub := range subs {
		select {
		case sub.send <- ev:
		default:
			h.logger.Warn("ws subscriber too slow, dropping", "room", room)
			h.remove(room, sub)
			sub.close("too slow")
		}
	}
}

// Subscribers reports how many connections are in room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) snapshot(room string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*subscriber, 0, len(h.rooms[room]))
	for sub := range h.rooms[room] {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) add(room string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.rooms[room] = subs
	}
	subs[sub] = struct{}{}
}

func (h *Hub) remove(room string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
}
