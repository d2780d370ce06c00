package httpapi

import (
	"net/http"
	"strings"

	"github.com/mistakeknot/envbook/internal/core"
)

type conflictsResponse struct {
	Conflicts []core.Conflict `json:"conflicts"`
}

type resolveRequest struct {
	ResolutionNotes string `json:"resolution_notes"`
}

func (s *Service) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireActor(w, r); !ok {
		return
	}
	var f core.ConflictFilter
	var err error
	if f.EnvironmentID, err = queryInt64(r, "environment_id"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.BookingID, err = queryInt64(r, "booking_id"); err != nil {
		s.writeError(w, r, err)
		return
	}
	f.ResolutionStatus = core.ResolutionStatus(strings.TrimSpace(r.URL.Query().Get("status")))

	list, err := s.conflicts.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []core.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflictsResponse{Conflicts: list})
}

func (s *Service) handleConflictByID(w http.ResponseWriter, r *http.Request) {
	id, rest, ok := splitPath(r.URL.Path, "/api/conflicts/")
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "invalid conflict id")
		return
	}
	switch {
	case len(rest) == 0:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, ok := requireActor(w, r); !ok {
			return
		}
		c, err := s.conflicts.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case len(rest) == 1 && rest[0] == "resolve":
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.resolveConflict(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) resolveConflict(w http.ResponseWriter, r *http.Request, id int64) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.conflicts.Resolve(r.Context(), actor, id, req.ResolutionNotes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
