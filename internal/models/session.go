package models

import "time"

// Session is the client-side view of one conversation with the assistant.
// LocalID is generated by the client and stable for the life of the
// conversation; RemoteID is assigned by the server on the first successful
// turn and is empty until then.
type Session struct {
	LocalID          string
	RemoteID         string
	WorkingDirectory string
	LastModified     time.Time
	MessageCount     int
	Locked           bool
}

// SessionSummary is the metadata the server reports for a known session.
type SessionSummary struct {
	SessionID        string
	DisplayName      string
	WorkingDirectory string
	MessageCount     int
	LastModified     time.Time
}
