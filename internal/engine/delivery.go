package engine

import (
	"context"

	"codelink/internal/protocol"
)

// dispatch routes one decoded server message on the loop.
func (e *Engine) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Greeting:
		e.handleGreeting(m)
	case *protocol.Connected:
		e.handleConnected(m)
	case *protocol.AuthError:
		e.handleAuthError(m)
	case *protocol.Pong:
		// Liveness confirmed; nothing to do.
	case *protocol.Response:
		e.applyDelivery(m.SessionID, m.DeliveryID, m)
	case *protocol.Replay:
		e.applyReplay(m)
	case *protocol.TurnComplete:
		id := protocol.NormalizeSessionID(m.SessionID)
		delete(e.locks, id)
		e.emit(Event{Type: EventTurnComplete, SessionID: id, Message: m})
	case *protocol.SessionLocked:
		id := protocol.NormalizeSessionID(m.SessionID)
		if m.Locked {
			e.locks[id] = true
		} else {
			delete(e.locks, id)
		}
		e.emit(Event{Type: EventSessionLocked, SessionID: id, Message: m})
	case *protocol.Error:
		e.handleServerError(m)
	case *protocol.FileUploaded:
		e.handleUploadAck(m)
	default:
		e.emit(Event{Type: EventServerMessage, Message: msg})
	}
}

// applyDelivery acknowledges and applies one delivery-tracked message.
// Acknowledgement is immediate and unconditional; application is idempotent,
// so an id at or before the persisted cursor is acked again but not
// re-applied.
func (e *Engine) applyDelivery(sessionID, deliveryID string, msg protocol.Message) {
	sessionID = protocol.NormalizeSessionID(sessionID)
	if deliveryID != "" {
		if err := e.send(&protocol.MessageAck{DeliveryID: deliveryID}); err != nil {
			e.logger.Debug("ack send failed", "delivery_id", deliveryID, "error", err)
		}
		if !e.recordApplied(sessionID, deliveryID) {
			return
		}
	}
	e.emit(Event{Type: EventResponse, SessionID: sessionID, Message: msg})
}

// recordApplied advances the per-session cursor, reporting whether the
// delivery is new. Delivery ids sort lexicographically in generation order.
func (e *Engine) recordApplied(sessionID, deliveryID string) bool {
	last, ok := e.lastApplied[sessionID]
	if !ok {
		v, err := e.store.LastDeliveryID(context.Background(), sessionID)
		if err != nil {
			e.logger.Warn("load delivery cursor", "session_id", sessionID, "error", err)
		}
		last = v
		e.lastApplied[sessionID] = v
	}
	if deliveryID <= last && last != "" {
		return false
	}
	e.lastApplied[sessionID] = deliveryID
	if err := e.store.SetLastDeliveryID(context.Background(), sessionID, deliveryID); err != nil {
		e.logger.Warn("persist delivery cursor", "session_id", sessionID, "error", err)
	}
	return true
}

// applyReplay unwraps a replayed message and runs it through the same
// delivery path as a live one.
func (e *Engine) applyReplay(r *protocol.Replay) {
	inner, err := protocol.Decode(r.Message)
	if err != nil {
		e.logger.Warn("undecodable replayed message", "delivery_id", r.DeliveryID, "error", err)
		return
	}
	e.applyDelivery(r.SessionID, r.DeliveryID, inner)
}

// handleServerError routes an application fault. An error naming a session
// releases that session's turn lock; an error arriving while an upload is in
// flight is a definitive rejection of that upload.
func (e *Engine) handleServerError(m *protocol.Error) {
	if m.SessionID != "" {
		id := protocol.NormalizeSessionID(m.SessionID)
		delete(e.locks, id)
		e.emit(Event{Type: EventServerError, SessionID: id, Detail: m.Detail, Message: m})
		return
	}
	if e.inflight != nil {
		e.failInflight(m.Detail)
		return
	}
	e.emit(Event{Type: EventServerError, Detail: m.Detail, Message: m})
}

// subscribe asks the server for the active session's stream, resuming from
// the last durably applied delivery so only the missed tail is replayed.
func (e *Engine) subscribe(ctx context.Context, sessionID string) error {
	last, err := e.store.LastDeliveryID(ctx, sessionID)
	if err != nil {
		return err
	}
	e.lastApplied[sessionID] = last
	return e.send(&protocol.Subscribe{SessionID: sessionID, LastDeliveryID: last})
}
