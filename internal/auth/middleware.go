package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/mistakeknot/envbook/internal/core"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
)

// Header names localhost callers use to say who they are.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type Info struct {
	Mode      Mode
	Actor     core.Actor
	Username  string
	Localhost bool
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// ActorFrom returns the authenticated actor. ok is false for anonymous
// localhost requests that sent no identity headers.
func ActorFrom(ctx context.Context) (core.Actor, bool) {
	info, ok := FromContext(ctx)
	if !ok || info.Actor.UserID <= 0 {
		return core.Actor{}, false
	}
	return info.Actor, true
}

// WithActor attaches an actor to ctx the way the middleware does.
func WithActor(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// Middleware resolves the caller. A valid bearer key always wins; otherwise
// localhost callers are admitted when the keyring allows it and identified by
// the X-User-ID and X-User-Role headers.
func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if u, ok := authorize(r, ring); ok {
				info := Info{Mode: ModeAPIKey, Actor: core.Actor{UserID: u.ID, Role: u.Role}, Username: u.Username}
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), info)))
				return
			}
			if ring.AllowLocalhostWithoutAuth && isLocalRequest(r) {
				info, err := headerIdentity(r)
				if err != "" {
					writeUnauthorized(w, err)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), info)))
				return
			}
			writeUnauthorized(w, "unauthorized")
		})
	}
}

func headerIdentity(r *http.Request) (Info, string) {
	info := Info{Mode: ModeLocalhost, Localhost: true}
	rawID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if rawID == "" {
		return info, ""
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return info, "invalid " + HeaderUserID
	}
	role := core.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))))
	if role == "" {
		role = core.RoleUser
	}
	if !role.Valid() {
		return info, "invalid " + HeaderUserRole
	}
	info.Actor = core.Actor{UserID: id, Role: role}
	return info, ""
}

func authorize(r *http.Request, ring *Keyring) (core.User, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return core.User{}, false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return core.User{}, false
	}
	key := strings.TrimSpace(parts[1])
	if key == "" {
		return core.User{}, false
	}
	return ring.UserForKey(key)
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// isLocalRequest admits a caller only when the connection itself comes from
// loopback and every X-Forwarded-For hop, if any, is loopback too.
func isLocalRequest(r *http.Request) bool {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if !isLoopbackHost(host) {
		return false
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		for _, hop := range strings.Split(v, ",") {
			if !isLoopbackHost(hop) {
				return false
			}
		}
	}
	return true
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	parsed := net.ParseIP(host)
	return parsed != nil && parsed.IsLoopback()
}
