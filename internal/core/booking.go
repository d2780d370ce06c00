package core

import (
	"fmt"
	"time"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingApproved  BookingStatus = "approved"
	BookingActive    BookingStatus = "active"
	BookingRejected  BookingStatus = "rejected"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingApproved, BookingActive, BookingRejected,
		BookingCancelled, BookingCompleted:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s BookingStatus) Terminal() bool {
	return s == BookingRejected || s == BookingCancelled || s == BookingCompleted
}

// DetectStatuses are the statuses a new booking is checked against on create.
var DetectStatuses = []BookingStatus{BookingApproved, BookingActive, BookingPending}

// SweepStatuses are the statuses the periodic conflict sweep pairs up.
var SweepStatuses = []BookingStatus{BookingApproved, BookingActive}

// ManualStatuses are the targets accepted from a status update request.
var ManualStatuses = []BookingStatus{BookingApproved, BookingRejected, BookingCancelled, BookingCompleted}

var transitions = map[BookingStatus][]BookingStatus{
	BookingPending:  {BookingApproved, BookingRejected, BookingCancelled},
	BookingApproved: {BookingActive, BookingRejected, BookingCancelled, BookingCompleted},
	BookingActive:   {BookingCompleted},
}

// CanTransition reports whether a booking may move from one status to another.
// The lifecycle only moves forward: pending -> approved -> active -> completed,
// with rejected and cancelled reachable from pending or approved.
func CanTransition(from, to BookingStatus) bool {
	if from.Terminal() {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Booking struct {
	ID              int64         `json:"id"`
	EnvironmentID   int64         `json:"environment_id"`
	UserID          int64         `json:"user_id"`
	ReleaseID       *int64        `json:"release_id,omitempty"`
	ProjectName     string        `json:"project_name"`
	Purpose         string        `json:"purpose,omitempty"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Priority        Priority      `json:"priority"`
	Status          BookingStatus `json:"status"`
	ActualStartTime *time.Time    `json:"actual_start_time,omitempty"`
	ActualEndTime   *time.Time    `json:"actual_end_time,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	DeletedAt       *time.Time    `json:"-"`
}

// Link is the opaque client path notifications use to reference the booking.
func (b Booking) Link() string {
	return BookingLink(b.ID)
}

func BookingLink(id int64) string {
	return fmt.Sprintf("/bookings/%d", id)
}

// BookingFilter narrows ListBookings. Zero values are ignored.
type BookingFilter struct {
	EnvironmentID int64
	UserID        int64
	Statuses      []BookingStatus
	From          time.Time
	To            time.Time
	Limit         int
}
