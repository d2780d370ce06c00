package core

import "time"

type ConflictType string

const ConflictTimeOverlap ConflictType = "time_overlap"

type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type ResolutionStatus string

const (
	Unresolved ResolutionStatus = "unresolved"
	Resolved   ResolutionStatus = "resolved"
)

// SeverityFor maps the priority of the booking that triggered detection to the
// severity recorded on the conflict.
func SeverityFor(p Priority) Severity {
	if p == PriorityCritical {
		return SeverityHigh
	}
	return SeverityMedium
}

// Conflict records an overlap between two bookings in one environment.
// BookingID1 is always the smaller id.
type Conflict struct {
	ID               int64            `json:"id"`
	BookingID1       int64            `json:"booking_id_1"`
	BookingID2       int64            `json:"booking_id_2"`
	EnvironmentID    int64            `json:"environment_id"`
	ConflictType     ConflictType     `json:"conflict_type"`
	Severity         Severity         `json:"severity"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	DetectedAt       time.Time        `json:"detected_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy       *int64           `json:"resolved_by,omitempty"`
	ResolutionNotes  string           `json:"resolution_notes,omitempty"`
}

// NewConflictPair orders a and b so that BookingID1 < BookingID2.
func NewConflictPair(a, b int64, envID int64, sev Severity) Conflict {
	if a > b {
		a, b = b, a
	}
	return Conflict{
		BookingID1:       a,
		BookingID2:       b,
		EnvironmentID:    envID,
		ConflictType:     ConflictTimeOverlap,
		Severity:         sev,
		ResolutionStatus: Unresolved,
	}
}

type ConflictFilter struct {
	EnvironmentID    int64
	BookingID        int64
	ResolutionStatus ResolutionStatus
	Limit            int
}
