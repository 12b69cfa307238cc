package protocol

import "encoding/json"

// Server-to-client message type names.
const (
	TypeGreeting           = "greeting"
	TypeConnected          = "connected"
	TypeAuthError          = "auth-error"
	TypeAck                = "ack"
	TypeResponse           = "response"
	TypeError              = "error"
	TypeSessionLocked      = "session-locked"
	TypeTurnComplete       = "turn-complete"
	TypePong               = "pong"
	TypeReplay             = "replay"
	TypeSessionHistory     = "session-history"
	TypeRecentSessions     = "recent-sessions"
	TypeSessionList        = "session-list"
	TypeCompactionComplete = "compaction-complete"
	TypeCompactionError    = "compaction-error"
	TypeAvailableCommands  = "available-commands"
	TypeCommandStarted     = "command-started"
	TypeCommandOutput      = "command-output"
	TypeCommandComplete    = "command-complete"
	TypeCommandHistory     = "command-history"
	TypeCommandOutputFull  = "command-output-full"
	TypeFileUploaded       = "file-uploaded"
	TypeResourcesList      = "resources-list"
	TypeResourceDeleted    = "resource-deleted"
)

// Greeting is the first message on any accepted connection, sent before
// authentication.
type Greeting struct {
	ServerVersion string `json:"server_version"`
}

func (Greeting) MessageType() string { return TypeGreeting }

// Connected confirms authentication. SessionID resolves the client's
// session hint when one was given.
type Connected struct {
	SessionID     string `json:"session_id,omitempty"`
	ServerVersion string `json:"server_version"`
}

func (Connected) MessageType() string { return TypeConnected }

// AuthError reports a credential problem. Terminal for this credential: the
// client must not auto-reconnect.
type AuthError struct {
	Detail string `json:"detail"`
}

func (AuthError) MessageType() string { return TypeAuthError }

// Ack is the generic positive reply for requests with no richer response.
type Ack struct {
	For string `json:"for,omitempty"`
}

func (Ack) MessageType() string { return TypeAck }

// Response carries one chunk of assistant output for a session. DeliveryID
// is present on user-visible conversation content and must be acknowledged.
type Response struct {
	SessionID  string  `json:"session_id"`
	DeliveryID string  `json:"delivery_id,omitempty"`
	Text       string  `json:"text"`
	Usage      *Usage  `json:"usage,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	Timestamp  string  `json:"timestamp"`
}

func (Response) MessageType() string { return TypeResponse }

// Error reports an application-level fault. When SessionID is set the
// client releases that session's lock. Detail is the human-readable source
// of truth and is surfaced to the caller verbatim.
type Error struct {
	SessionID string `json:"session_id,omitempty"`
	Detail    string `json:"detail"`
}

func (Error) MessageType() string { return TypeError }

// SessionLocked reports a change in a session's turn lock, including locks
// taken by other clients.
type SessionLocked struct {
	SessionID string `json:"session_id"`
	Locked    bool   `json:"locked"`
}

func (SessionLocked) MessageType() string { return TypeSessionLocked }

// TurnComplete is the terminal event for a turn; it releases the session
// lock.
type TurnComplete struct {
	SessionID  string  `json:"session_id"`
	DeliveryID string  `json:"delivery_id,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

func (TurnComplete) MessageType() string { return TypeTurnComplete }

// Pong answers a protocol-level Ping.
type Pong struct{}

func (Pong) MessageType() string { return TypePong }

// Replay wraps a historical message redelivered after a subscribe. The
// inner message is one of the catalog's server events.
type Replay struct {
	SessionID  string          `json:"session_id"`
	DeliveryID string          `json:"delivery_id"`
	Message    json.RawMessage `json:"message"`
}

func (Replay) MessageType() string { return TypeReplay }

// SessionHistory returns a session's transcript records.
type SessionHistory struct {
	SessionID string            `json:"session_id"`
	Messages  []json.RawMessage `json:"messages"`
}

func (SessionHistory) MessageType() string { return TypeSessionHistory }

// RecentSessions lists sessions after a refresh-sessions rescan.
type RecentSessions struct {
	Sessions []SessionSummary `json:"sessions"`
}

func (RecentSessions) MessageType() string { return TypeRecentSessions }

// SessionList lists all sessions the server currently knows.
type SessionList struct {
	Sessions []SessionSummary `json:"sessions"`
}

func (SessionList) MessageType() string { return TypeSessionList }

// CompactionComplete reports a successful transcript compaction.
type CompactionComplete struct {
	SessionID    string `json:"session_id"`
	MessageCount int    `json:"message_count"`
}

func (CompactionComplete) MessageType() string { return TypeCompactionComplete }

// CompactionError reports a failed transcript compaction.
type CompactionError struct {
	SessionID string `json:"session_id"`
	Detail    string `json:"detail"`
}

func (CompactionError) MessageType() string { return TypeCompactionError }

// AvailableCommands advertises the allow-listed commands after auth.
type AvailableCommands struct {
	Commands []string `json:"commands"`
}

func (AvailableCommands) MessageType() string { return TypeAvailableCommands }

// CommandStarted reports that an execute-command request began running.
type CommandStarted struct {
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
}

func (CommandStarted) MessageType() string { return TypeCommandStarted }

// CommandOutput streams one chunk of a running command's output.
type CommandOutput struct {
	CommandID string `json:"command_id"`
	Chunk     string `json:"chunk"`
}

func (CommandOutput) MessageType() string { return TypeCommandOutput }

// CommandComplete is the terminal event for a command execution.
type CommandComplete struct {
	CommandID string `json:"command_id"`
	ExitCode  int    `json:"exit_code"`
}

func (CommandComplete) MessageType() string { return TypeCommandComplete }

// CommandHistory returns recent command executions.
type CommandHistory struct {
	Commands []CommandSummary `json:"commands"`
}

func (CommandHistory) MessageType() string { return TypeCommandHistory }

// CommandOutputFull returns the complete captured output of one command.
type CommandOutputFull struct {
	CommandID string `json:"command_id"`
	Output    string `json:"output"`
}

func (CommandOutputFull) MessageType() string { return TypeCommandOutputFull }

// FileUploaded acknowledges a persisted upload. Filename is the name the
// server actually stored, which may differ from the requested one if the
// server renamed to avoid a collision.
type FileUploaded struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

func (FileUploaded) MessageType() string { return TypeFileUploaded }

// ResourcesList returns the uploaded file listing.
type ResourcesList struct {
	Resources []ResourceInfo `json:"resources"`
}

func (ResourcesList) MessageType() string { return TypeResourcesList }

// ResourceDeleted confirms removal of one uploaded file.
type ResourceDeleted struct {
	Filename string `json:"filename"`
}

func (ResourceDeleted) MessageType() string { return TypeResourceDeleted }
