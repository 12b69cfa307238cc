package engine

import (
	"context"
	"math"
	"time"

	"codelink/internal/protocol"
	"codelink/internal/transport"
)

// dial starts a connection attempt. The blocking Dial runs off the loop; its
// result is posted back as an intent, tagged with the generation so results
// from an abandoned attempt are ignored.
func (e *Engine) dial(ctx context.Context) {
	e.setState(StateConnecting)
	e.connGen++
	gen := e.connGen
	go func() {
		conn, err := e.dialer.Dial(ctx, e.cfg.Endpoint)
		_ = e.do(func() { e.dialDone(gen, conn, err) })
	}()
}

func (e *Engine) dialDone(gen int, conn transport.Conn, err error) {
	if gen != e.connGen || e.userClosed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		e.logger.Debug("dial failed", "endpoint", e.cfg.Endpoint, "error", err)
		e.scheduleReconnect()
		return
	}
	e.conn = conn
	go e.readPump(gen, conn)
	// The server speaks first; authentication is sent in reply to its
	// greeting.
}

func (e *Engine) readPump(gen int, conn transport.Conn) {
	for {
		data, err := conn.Receive()
		select {
		case e.inbound <- inboundMsg{gen: gen, data: data, err: err}:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) handleInbound(in inboundMsg) {
	if in.gen != e.connGen {
		return
	}
	if in.err != nil {
		e.connectionLost()
		return
	}
	msg, err := protocol.Decode(in.data)
	if err != nil {
		// A malformed or unknown frame is logged, never fatal.
		e.logger.Warn("undecodable server frame", "error", err)
		return
	}
	e.dispatch(msg)
}

// connectionLost handles a transport-level failure of the current connection.
func (e *Engine) connectionLost() {
	e.closeConn()
	e.stopDrain()
	if e.userClosed {
		e.setState(StateDisconnected)
		return
	}
	e.scheduleReconnect()
}

func (e *Engine) scheduleReconnect() {
	if e.reconnectStart.IsZero() {
		e.reconnectStart = time.Now()
	}
	if time.Since(e.reconnectStart) > e.cfg.ReconnectCeiling {
		e.setState(StateDisconnected)
		e.emit(Event{Type: EventConnectionGaveUp, Detail: "reconnect window exhausted"})
		return
	}
	delay := e.backoffDelay(e.attempt)
	e.attempt++
	e.setState(StateReconnecting)
	e.logger.Debug("reconnect scheduled", "attempt", e.attempt, "delay", delay)
	e.backoffTimer = time.NewTimer(delay)
}

// backoffDelay is monotonically non-decreasing in attempt and capped at
// BackoffMax.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	d := float64(e.cfg.BackoffInitial) * math.Pow(e.cfg.BackoffMultiplier, float64(attempt))
	if d > float64(e.cfg.BackoffMax) {
		return e.cfg.BackoffMax
	}
	return time.Duration(d)
}

func (e *Engine) stopBackoff() {
	if e.backoffTimer != nil {
		e.backoffTimer.Stop()
		e.backoffTimer = nil
	}
}

func (e *Engine) closeConn() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.connGen++
	if e.keepalive != nil {
		e.keepalive.Stop()
		e.keepalive = nil
	}
}

func (e *Engine) sendKeepalive() {
	if e.state != StateConnected {
		return
	}
	if err := e.send(&protocol.Ping{}); err != nil {
		e.logger.Debug("keepalive send failed", "error", err)
	}
}

// handleGreeting answers the server's hello with credentials.
func (e *Engine) handleGreeting(g *protocol.Greeting) {
	e.setState(StateAuthenticating)
	if err := e.send(&protocol.Connect{Token: e.cfg.Token, SessionHint: e.sessionHint}); err != nil {
		e.logger.Warn("send credentials", "error", err)
	}
}

// handleConnected completes authentication: the backoff episode resets, the
// active session is resubscribed from the last applied delivery, and any
// queued uploads start draining.
func (e *Engine) handleConnected(c *protocol.Connected) {
	e.attempt = 0
	e.reconnectStart = time.Time{}
	e.setState(StateConnected)
	e.keepalive = time.NewTicker(e.cfg.KeepaliveInterval)
	if e.activeSession != "" {
		if err := e.subscribe(context.Background(), e.activeSession); err != nil {
			e.logger.Warn("resubscribe", "session_id", e.activeSession, "error", err)
		}
	}
	e.startDrain()
}

// handleAuthError is terminal: the credential is wrong, so retrying with the
// same one would loop forever. No reconnect is scheduled.
func (e *Engine) handleAuthError(a *protocol.AuthError) {
	e.closeConn()
	e.stopDrain()
	e.setState(StateDisconnected)
	e.emit(Event{Type: EventAuthFailed, Detail: a.Detail})
}
