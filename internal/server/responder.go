package server

import (
	"context"

	"codelink/internal/protocol"
)

// Turn is one prompt handed to the assistant.
type Turn struct {
	SessionID        string
	Prompt           string
	WorkingDirectory string
}

// TurnResult is the terminal accounting for a completed turn.
type TurnResult struct {
	Usage   protocol.Usage
	CostUSD float64
}

// Responder produces assistant output for a turn, emitting zero or more
// text chunks before returning. This is the seam where a real assistant
// plugs in; the server itself performs no language processing.
type Responder interface {
	Respond(ctx context.Context, turn Turn, emit func(text string)) (TurnResult, error)
}

// EchoResponder repeats the prompt back. Default for tests and local
// development without an assistant attached.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, turn Turn, emit func(string)) (TurnResult, error) {
	emit(turn.Prompt)
	return TurnResult{Usage: protocol.Usage{InputTokens: len(turn.Prompt)}}, nil
}
