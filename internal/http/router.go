package httpapi

import (
	"net/http"
)

// Realtime serves the websocket endpoints.
type Realtime interface {
	EnvironmentHandler() http.HandlerFunc
	NotificationsHandler() http.HandlerFunc
}

// NewRouter mounts the API behind mw. /healthz and /metrics stay open.
func NewRouter(svc *Service, rt Realtime, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler {
		handler := http.Handler(h)
		if mw != nil {
			handler = mw(handler)
		}
		return handler
	}

	mux.Handle("/api/bookings", wrap(svc.handleBookings))
	mux.Handle("/api/bookings/", wrap(svc.handleBookingByID))
	mux.Handle("/api/conflicts", wrap(svc.handleConflicts))
	mux.Handle("/api/conflicts/", wrap(svc.handleConflictByID))
	mux.Handle("/api/environments", wrap(svc.handleEnvironments))
	mux.Handle("/api/environments/", wrap(svc.handleEnvironmentByID))
	mux.Handle("/api/notifications", wrap(svc.handleNotifications))
	mux.Handle("/api/notifications/", wrap(svc.handleNotificationByID))

	if rt != nil {
		mux.Handle("/ws/environments/", wrap(rt.EnvironmentHandler()))
		mux.Handle("/ws/notifications", wrap(rt.NotificationsHandler()))
	}

	mux.HandleFunc("/healthz", svc.handleHealth)
	mux.Handle("/metrics", svc.metrics.Handler())

	return svc.metrics.Middleware(mux)
}
