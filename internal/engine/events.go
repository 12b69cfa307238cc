package engine

import "codelink/internal/protocol"

// ConnState is the lifecycle state of the logical connection.
type ConnState string

const (
	StateDisconnected   ConnState = "disconnected"
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateConnected      ConnState = "connected"
	StateReconnecting   ConnState = "reconnecting"
)

// EventType discriminates engine events.
type EventType string

const (
	// EventStateChanged reports a lifecycle transition; State is set.
	EventStateChanged EventType = "state-changed"
	// EventAuthFailed reports a terminal credential problem. The engine
	// does not reconnect; the user must re-enter a credential.
	EventAuthFailed EventType = "auth-failed"
	// EventConnectionGaveUp reports that the reconnect wall-clock ceiling
	// was exceeded and the engine stopped retrying.
	EventConnectionGaveUp EventType = "connection-gave-up"
	// EventResponse carries newly applied conversation content.
	EventResponse EventType = "response"
	// EventTurnComplete reports the end of a turn; the session is unlocked.
	EventTurnComplete EventType = "turn-complete"
	// EventSessionLocked reports a lock change, including locks taken by
	// other clients.
	EventSessionLocked EventType = "session-locked"
	// EventServerError carries an application fault with the server's
	// human-readable detail verbatim.
	EventServerError EventType = "server-error"
	// EventUploadDone reports a durably acknowledged upload.
	EventUploadDone EventType = "upload-done"
	// EventUploadFailed reports a definitive server rejection of an upload.
	EventUploadFailed EventType = "upload-failed"
	// EventServerMessage carries any other server message (history,
	// session lists, command events, resources) through to the caller.
	EventServerMessage EventType = "server-message"
)

// Event is one engine notification. Exactly which fields are set depends on
// Type.
type Event struct {
	Type      EventType
	State     ConnState
	SessionID string
	Detail    string
	Filename  string
	Message   protocol.Message
}
