package protocol

// Client-to-server message type names.
const (
	TypeConnect             = "connect"
	TypePrompt              = "prompt"
	TypeSubscribe           = "subscribe"
	TypeMessageAck          = "message-ack"
	TypeSetWorkingDirectory = "set-working-directory"
	TypePing                = "ping"
	TypeCompactSession      = "compact-session"
	TypeSetMaxMessageSize   = "set-max-message-size"
	TypeRefreshSessions     = "refresh-sessions"
	TypeExecuteCommand      = "execute-command"
	TypeGetCommandHistory   = "get-command-history"
	TypeGetCommandOutput    = "get-command-output"
	TypeUploadFile          = "upload-file"
	TypeListResources       = "list-resources"
	TypeDeleteResource      = "delete-resource"
)

// Connect authenticates the connection. SessionHint names the session the
// client considers active so the server can resolve it in its greeting
// reply.
type Connect struct {
	Token       string `json:"token"`
	SessionHint string `json:"session_hint,omitempty"`
}

func (Connect) MessageType() string { return TypeConnect }

// Prompt submits one user turn. SessionID is empty for a brand-new
// conversation; the server assigns one and reports it on the first response.
type Prompt struct {
	SessionID        string `json:"session_id,omitempty"`
	Text             string `json:"text"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

func (Prompt) MessageType() string { return TypePrompt }

// Subscribe asks for live events for a session. LastDeliveryID is the last
// message the client has already applied; the server replays everything
// later than it, in original order. Empty means a fresh subscription.
type Subscribe struct {
	SessionID      string `json:"session_id"`
	LastDeliveryID string `json:"last_delivery_id,omitempty"`
}

func (Subscribe) MessageType() string { return TypeSubscribe }

// MessageAck acknowledges receipt of a delivery-id-bearing message. Sent
// immediately on receipt, independent of application-level processing.
type MessageAck struct {
	DeliveryID string `json:"delivery_id"`
}

func (MessageAck) MessageType() string { return TypeMessageAck }

// SetWorkingDirectory changes the working directory for a session.
type SetWorkingDirectory struct {
	SessionID string `json:"session_id,omitempty"`
	Path      string `json:"path"`
}

func (SetWorkingDirectory) MessageType() string { return TypeSetWorkingDirectory }

// Ping is the protocol-level liveness probe. Distinct from websocket pings.
type Ping struct{}

func (Ping) MessageType() string { return TypePing }

// CompactSession asks the server to compact a session transcript.
type CompactSession struct {
	SessionID string `json:"session_id"`
}

func (CompactSession) MessageType() string { return TypeCompactSession }

// SetMaxMessageSize caps the size of outbound server messages for this
// connection.
type SetMaxMessageSize struct {
	Bytes int `json:"bytes"`
}

func (SetMaxMessageSize) MessageType() string { return TypeSetMaxMessageSize }

// RefreshSessions asks the server to rescan its transcript directory.
type RefreshSessions struct{}

func (RefreshSessions) MessageType() string { return TypeRefreshSessions }

// ExecuteCommand runs an allow-listed command on the server.
type ExecuteCommand struct {
	Command   string `json:"command"`
	SessionID string `json:"session_id,omitempty"`
}

func (ExecuteCommand) MessageType() string { return TypeExecuteCommand }

// GetCommandHistory requests recent command executions.
type GetCommandHistory struct {
	Limit int `json:"limit,omitempty"`
}

func (GetCommandHistory) MessageType() string { return TypeGetCommandHistory }

// GetCommandOutput requests the full captured output of one command.
type GetCommandOutput struct {
	CommandID string `json:"command_id"`
}

func (GetCommandOutput) MessageType() string { return TypeGetCommandOutput }

// UploadFile sends one file's content, base64-encoded. SizeBytes is the
// decoded length.
type UploadFile struct {
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	SizeBytes int64  `json:"size_bytes"`
}

func (UploadFile) MessageType() string { return TypeUploadFile }

// ListResources requests the server-side uploaded file listing.
type ListResources struct{}

func (ListResources) MessageType() string { return TypeListResources }

// DeleteResource removes one uploaded file on the server.
type DeleteResource struct {
	Filename string `json:"filename"`
}

func (DeleteResource) MessageType() string { return TypeDeleteResource }
