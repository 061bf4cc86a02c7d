// Package notifier contains the core domain types for the halbooking slot notification service.
package notifier

import "time"

// CapacityUnknown marks an event whose listing row shows no free-seat count.
const CapacityUnknown = -1

// Event represents a single bookable slot on the venue's listing.
type Event struct {
	Start    time.Time `json:"start"`             // When the slot begins
	ID       string    `json:"id"`                // Booking-system row token, stable across fetches
	Title    string    `json:"title"`             // Activity name, e.g. "Beginner Lesson"
	Location string    `json:"location"`          // Court or hall, empty if not listed
	Details  []string  `json:"details,omitempty"` // Remaining class-info lines (instructor, level, ...)
	Capacity int       `json:"capacity"`          // Free seats; mutable, never part of identity
}

// RawEvent is one listing row as pulled out of the markup, before any validation.
type RawEvent struct {
	Token     string   // Value of the row's id attribute
	MainInfo  []string // Trimmed non-empty text lines of the main cell
	ClassInfo []string // Trimmed non-empty text lines of the class-info cell
	Capacity  string   // Free-seat count as printed, empty if absent
}
