// Package interval holds the time-window predicates used for booking conflict
// detection and lifecycle promotion.
package interval

import "time"

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) share any instant.
// Windows that only touch at an endpoint do not overlap, so back-to-back
// bookings are never flagged.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Valid reports whether start is strictly before end.
func Valid(start, end time.Time) bool {
	return start.Before(end)
}

// Contains reports whether t falls inside [start, end).
func Contains(start, end, t time.Time) bool {
	return !t.Before(start) && t.Before(end)
}
