package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/mistakeknot/envbook/internal/booking"
	"github.com/mistakeknot/envbook/internal/core"
)

type createBookingResponse struct {
	BookingID         int64           `json:"bookingId"`
	Booking           core.Booking    `json:"booking"`
	ConflictsDetected bool            `json:"conflictsDetected"`
	Conflicts         []core.Conflict `json:"conflicts"`
	// ConflictingBookings are the existing bookings the new one overlaps.
	ConflictingBookings []core.Booking `json:"conflictingBookings"`
}

type bookingsResponse struct {
	Bookings []core.Booking `json:"bookings"`
}

type statusRequest struct {
	Status core.BookingStatus `json:"status"`
	Notes  string             `json:"notes"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Service) handleBookings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listBookings(w, r)
	case http.MethodPost:
		s.createBooking(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleBookingByID(w http.ResponseWriter, r *http.Request) {
	id, rest, ok := splitPath(r.URL.Path, "/api/bookings/")
	if !ok {
		writeErrorMessage(w, http.StatusBadRequest, "invalid booking id")
		return
	}
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.getBooking(w, r, id)
	case len(rest) == 0 && r.Method == http.MethodDelete:
		s.deleteBooking(w, r, id)
	case len(rest) == 1 && rest[0] == "status":
		if r.Method != http.MethodPatch && r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.updateBookingStatus(w, r, id)
	case len(rest) == 0:
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) createBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var in booking.CreateInput
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.bookings.Create(r.Context(), actor, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conflicts := res.Conflicts
	if conflicts == nil {
		conflicts = []core.Conflict{}
	}
	overlapping := res.Overlapping
	if overlapping == nil {
		overlapping = []core.Booking{}
	}
	writeJSON(w, http.StatusCreated, createBookingResponse{
		BookingID:           res.Booking.ID,
		Booking:             res.Booking,
		ConflictsDetected:   res.ConflictsDetected,
		Conflicts:           conflicts,
		ConflictingBookings: overlapping,
	})
}

func (s *Service) listBookings(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	f, err := bookingFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if queryBool(r, "mine") {
		f.UserID = actor.UserID
	}
	list, err := s.bookings.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []core.Booking{}
	}
	writeJSON(w, http.StatusOK, bookingsResponse{Bookings: list})
}

func bookingFilter(r *http.Request) (core.BookingFilter, error) {
	var f core.BookingFilter
	var err error
	if f.EnvironmentID, err = queryInt64(r, "environment_id"); err != nil {
		return f, err
	}
	if f.UserID, err = queryInt64(r, "user_id"); err != nil {
		return f, err
	}
	limit, err := queryInt64(r, "limit")
	if err != nil {
		return f, err
	}
	f.Limit = int(limit)

	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := core.BookingStatus(strings.TrimSpace(part))
			if !st.Valid() {
				return f, core.Invalid("status", "unknown booking status "+string(st))
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, core.Invalid(key, "must be an RFC 3339 timestamp")
		}
		*dst = t.UTC()
	}
	return f, nil
}

func (s *Service) getBooking(w http.ResponseWriter, r *http.Request, id int64) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	b, err := s.bookings.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Service) updateBookingStatus(w http.ResponseWriter, r *http.Request, id int64) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	b, err := s.bookings.UpdateStatus(r.Context(), actor, id, req.Status, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Service) deleteBooking(w http.ResponseWriter, r *http.Request, id int64) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := s.bookings.Delete(r.Context(), actor, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Booking deleted successfully"})
}
