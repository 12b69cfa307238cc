// Package protocol defines the fixed JSON message catalog exchanged between
// codelink clients and the server, and the codec that moves those messages
// on and off the wire.
//
// Every message is a JSON object carrying a "type" discriminator. Type names
// are kebab-case; field names are snake_case. Session ids are lowercase UUID
// strings in both directions, and timestamps are ISO-8601 with millisecond
// precision. These are wire invariants, not display preferences.
package protocol

import (
	"strings"
	"time"
)

// TimestampFormat is the wire form for all timestamps: ISO-8601 with
// millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in the wire timestamp form (UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a wire timestamp. It also accepts plain RFC 3339 so
// that hand-written fixtures without a fractional second still decode.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampFormat, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// NormalizeSessionID lowercases a session id to the wire form.
func NormalizeSessionID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Message is any member of the catalog. MessageType returns the wire "type"
// discriminator.
type Message interface {
	MessageType() string
}

// Usage reports token accounting for a turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SessionSummary is the wire form of a server-known session.
type SessionSummary struct {
	SessionID        string `json:"session_id"`
	DisplayName      string `json:"display_name"`
	WorkingDirectory string `json:"working_directory"`
	MessageCount     int    `json:"message_count"`
	LastModified     string `json:"last_modified"`
}

// CommandSummary is the wire form of one command-history entry.
type CommandSummary struct {
	CommandID   string `json:"command_id"`
	Command     string `json:"command"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ResourceInfo is the wire form of one uploaded resource.
type ResourceInfo struct {
	Filename   string `json:"filename"`
	SizeBytes  int64  `json:"size_bytes"`
	ModifiedAt string `json:"modified_at"`
}
