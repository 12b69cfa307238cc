package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType marks a message whose "type" is not in the catalog.
// Receivers tolerate these: log and drop, never tear down the connection.
var ErrUnknownType = errors.New("unknown message type")

// catalog maps a wire type name to a factory for its concrete struct.
var catalog = map[string]func() Message{
	TypeConnect:             func() Message { return &Connect{} },
	TypePrompt:              func() Message { return &Prompt{} },
	TypeSubscribe:           func() Message { return &Subscribe{} },
	TypeMessageAck:          func() Message { return &MessageAck{} },
	TypeSetWorkingDirectory: func() Message { return &SetWorkingDirectory{} },
	TypePing:                func() Message { return &Ping{} },
	TypeCompactSession:      func() Message { return &CompactSession{} },
	TypeSetMaxMessageSize:   func() Message { return &SetMaxMessageSize{} },
	TypeRefreshSessions:     func() Message { return &RefreshSessions{} },
	TypeExecuteCommand:      func() Message { return &ExecuteCommand{} },
	TypeGetCommandHistory:   func() Message { return &GetCommandHistory{} },
	TypeGetCommandOutput:    func() Message { return &GetCommandOutput{} },
	TypeUploadFile:          func() Message { return &UploadFile{} },
	TypeListResources:       func() Message { return &ListResources{} },
	TypeDeleteResource:      func() Message { return &DeleteResource{} },

	TypeGreeting:           func() Message { return &Greeting{} },
	TypeConnected:          func() Message { return &Connected{} },
	TypeAuthError:          func() Message { return &AuthError{} },
	TypeAck:                func() Message { return &Ack{} },
	TypeResponse:           func() Message { return &Response{} },
	TypeError:              func() Message { return &Error{} },
	TypeSessionLocked:      func() Message { return &SessionLocked{} },
	TypeTurnComplete:       func() Message { return &TurnComplete{} },
	TypePong:               func() Message { return &Pong{} },
	TypeReplay:             func() Message { return &Replay{} },
	TypeSessionHistory:     func() Message { return &SessionHistory{} },
	TypeRecentSessions:     func() Message { return &RecentSessions{} },
	TypeSessionList:        func() Message { return &SessionList{} },
	TypeCompactionComplete: func() Message { return &CompactionComplete{} },
	TypeCompactionError:    func() Message { return &CompactionError{} },
	TypeAvailableCommands:  func() Message { return &AvailableCommands{} },
	TypeCommandStarted:     func() Message { return &CommandStarted{} },
	TypeCommandOutput:      func() Message { return &CommandOutput{} },
	TypeCommandComplete:    func() Message { return &CommandComplete{} },
	TypeCommandHistory:     func() Message { return &CommandHistory{} },
	TypeCommandOutputFull:  func() Message { return &CommandOutputFull{} },
	TypeFileUploaded:       func() Message { return &FileUploaded{} },
	TypeResourcesList:      func() Message { return &ResourcesList{} },
	TypeResourceDeleted:    func() Message { return &ResourceDeleted{} },
}

// Encode marshals a catalog message, injecting the "type" discriminator.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	typeName, err := json.Marshal(m.MessageType())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	fields["type"] = typeName

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return out, nil
}

// Decode parses one wire message into its catalog struct. Unknown types
// return an error wrapping ErrUnknownType; malformed payloads return a
// parse error. Neither is fatal to the read loop that calls this.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("parse message: missing type field")
	}

	factory, ok := catalog[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parse %s payload: %w", head.Type, err)
	}
	return msg, nil
}
