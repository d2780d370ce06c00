package core

import (
	"fmt"
	"time"
)

type EventType string

const (
	EventConflictDetected     EventType = "conflict_detected"
	EventBookingStarted       EventType = "booking_started"
	EventBookingCompleted     EventType = "booking_completed"
	EventBookingStatusChanged EventType = "booking_status_changed"
	EventNotification         EventType = "notification"
)

// Event is the envelope pushed to real-time subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Room      string    `json:"room"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func EnvironmentRoom(id int64) string {
	return fmt.Sprintf("environment:%d", id)
}

func UserRoom(id int64) string {
	return fmt.Sprintf("user:%d", id)
}
