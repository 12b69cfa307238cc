package models

import "time"

// CommandRecord is one server-side command execution, persisted so clients
// can fetch history and full output after the fact.
type CommandRecord struct {
	ID          string
	Command     string
	Output      string
	ExitCode    *int
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Resource is a server-side file previously uploaded by a client.
type Resource struct {
	Filename   string
	SizeBytes  int64
	ModifiedAt time.Time
}
