package models

import "time"

// Canonical priority tiers. Smaller is more urgent.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 10
)

// FIFOEntry is one slot in the client's FIFO conversation queue. Positions
// form a dense 0-based sequence; dequeueing closes the gap.
type FIFOEntry struct {
	SessionID string
	Position  int
	QueuedAt  time.Time
}

// PriorityEntry orders a session within a priority level. Order is
// fractional so drag-reorder can insert between siblings without
// renumbering them.
type PriorityEntry struct {
	SessionID string
	Level     int
	Order     float64
	QueuedAt  time.Time
}
