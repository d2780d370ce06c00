package httpapi

import (
	"net/http"

	"github.com/mistakeknot/envbook/internal/core"
)

type notificationsResponse struct {
	Notifications []core.Notification `json:"notifications"`
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	list, err := s.notifications.List(r.Context(), actor, queryBool(r, "unread"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []core.Notification{}
	}
	writeJSON(w, http.StatusOK, notificationsResponse{Notifications: list})
}

func (s *Service) handleNotificationByID(w http.ResponseWriter, r *http.Request) {
	id, rest, ok := splitPath(r.URL.Path, "/api/notifications/")
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	switch {
	case len(rest) == 1 && rest[0] == "read" && r.Method == http.MethodPut:
		if err := s.notifications.MarkRead(r.Context(), actor, id); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Message: "Notification marked as read"})
	case len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.notifications.Delete(r.Context(), actor, id); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Message: "Notification deleted"})
	case len(rest) <= 1:
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
