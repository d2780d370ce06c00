package core

import "time"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleUser:
		return true
	}
	return false
}

// Actor is the authenticated caller of a core operation.
type Actor struct {
	UserID int64 `json:"user_id"`
	Role   Role  `json:"role"`
}

// CanManage reports whether the actor may approve, reject or administer
// bookings owned by other users.
func (a Actor) CanManage() bool {
	return a.Role == RoleAdmin || a.Role == RoleManager
}

type User struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username"`
	Role             Role      `json:"role"`
	Active           bool      `json:"active"`
	RemindersEnabled bool      `json:"reminders_enabled"`
	CreatedAt        time.Time `json:"created_at"`
}

type EnvironmentStatus string

const (
	EnvironmentAvailable      EnvironmentStatus = "available"
	EnvironmentInUse          EnvironmentStatus = "in-use"
	EnvironmentMaintenance    EnvironmentStatus = "maintenance"
	EnvironmentProvisioning   EnvironmentStatus = "provisioning"
	EnvironmentDecommissioned EnvironmentStatus = "decommissioned"
)

func (s EnvironmentStatus) Valid() bool {
	switch s {
	case EnvironmentAvailable, EnvironmentInUse, EnvironmentMaintenance,
		EnvironmentProvisioning, EnvironmentDecommissioned:
		return true
	}
	return false
}

type Environment struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Status       EnvironmentStatus `json:"status"`
	CurrentUsage int               `json:"current_usage"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ReleaseThreshold is the usage at or below which a completing booking hands
// the environment back as available. Usage 1 still counts as available.
const ReleaseThreshold = 1

type NotificationType string

const (
	NotificationConflictAlert   NotificationType = "conflict_alert"
	NotificationBookingReminder NotificationType = "booking_reminder"
	NotificationApprovalRequest NotificationType = "approval_request"
	NotificationBookingStatus   NotificationType = "booking_status"
)

type Notification struct {
	ID        int64            `json:"id"`
	UserID    int64            `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Link      string           `json:"link,omitempty"`
	Priority  Priority         `json:"priority"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}
