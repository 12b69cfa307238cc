package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"codelink/internal/models"
	"codelink/internal/protocol"
	"codelink/internal/store"
	"codelink/internal/transport"
)

var (
	// ErrNotConnected is returned when an operation needs a live,
	// authenticated connection and there isn't one.
	ErrNotConnected = errors.New("engine: not connected")
	// ErrSessionLocked is returned when a prompt targets a session that
	// already has a turn in flight. The rejection is local; nothing is
	// sent over the wire.
	ErrSessionLocked = errors.New("engine: session has a turn in flight")
	// ErrNoSession is returned when a prompt names no session. Callers
	// generate the session id themselves so the lock taken here and the
	// terminal turn-complete always name the same key.
	ErrNoSession = errors.New("engine: prompt requires a session id")
	// ErrStopped is returned when the engine's run loop has exited.
	ErrStopped = errors.New("engine: stopped")
)

// Config holds engine tuning. Zero values are replaced with defaults by New.
type Config struct {
	Endpoint string
	Token    string

	KeepaliveInterval time.Duration
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	// ReconnectCeiling bounds the wall-clock span of a reconnect episode.
	// Once exceeded the engine gives up and reports EventConnectionGaveUp.
	ReconnectCeiling time.Duration
	// AckTimeout bounds the wait for an upload acknowledgement.
	AckTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.ReconnectCeiling <= 0 {
		c.ReconnectCeiling = 15 * time.Minute
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
}

// Engine is the client-side protocol engine. All protocol state lives on a
// single run-loop goroutine; exported methods enqueue work onto that loop, so
// they are safe to call from any goroutine.
type Engine struct {
	cfg    Config
	dialer transport.Dialer
	store  store.Store
	logger *slog.Logger

	intents chan func()
	inbound chan inboundMsg
	events  chan Event
	done    chan struct{}

	// Loop-owned state. Never touched off the loop.
	state          ConnState
	conn           transport.Conn
	connGen        int
	sessionHint    string
	activeSession  string
	userClosed     bool
	attempt        int
	reconnectStart time.Time
	backoffTimer   *time.Timer
	keepalive      *time.Ticker
	locks          map[string]bool
	lastApplied    map[string]string

	draining bool
	inflight *models.PendingUpload
	ackTimer *time.Timer
}

type inboundMsg struct {
	gen  int
	data []byte
	err  error
}

// New builds an engine around a dialer and a durable store. The engine does
// nothing until Run is called.
func New(cfg Config, dialer transport.Dialer, st store.Store, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:         cfg,
		dialer:      dialer,
		store:       st,
		logger:      logger,
		intents:     make(chan func()),
		inbound:     make(chan inboundMsg, 16),
		events:      make(chan Event, 256),
		done:        make(chan struct{}),
		state:       StateDisconnected,
		locks:       make(map[string]bool),
		lastApplied: make(map[string]string),
	}
}

// Events returns the engine's notification stream. The channel is buffered;
// if the consumer falls far behind, events are dropped with a warning rather
// than stalling the protocol loop.
func (e *Engine) Events() <-chan Event { return e.events }

// Run executes the engine loop until ctx is cancelled. Cancellation is a
// clean shutdown, not a failure.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	// Rows marked in flight by a previous process never got their ack.
	if err := e.store.RequeueInFlightUploads(ctx); err != nil {
		e.logger.Warn("requeue in-flight uploads", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			e.teardown()
			return nil
		case fn := <-e.intents:
			fn()
		case in := <-e.inbound:
			e.handleInbound(in)
		case <-e.backoffC():
			e.backoffTimer = nil
			e.dial(ctx)
		case <-e.keepaliveC():
			e.sendKeepalive()
		case <-e.ackC():
			e.ackTimer = nil
			e.handleAckTimeout()
		}
	}
}

func (e *Engine) backoffC() <-chan time.Time {
	if e.backoffTimer == nil {
		return nil
	}
	return e.backoffTimer.C
}

func (e *Engine) keepaliveC() <-chan time.Time {
	if e.keepalive == nil {
		return nil
	}
	return e.keepalive.C
}

func (e *Engine) ackC() <-chan time.Time {
	if e.ackTimer == nil {
		return nil
	}
	return e.ackTimer.C
}

// do runs fn on the loop goroutine.
func (e *Engine) do(fn func()) error {
	select {
	case e.intents <- fn:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

// call runs fn on the loop and waits for its error.
func (e *Engine) call(fn func() error) error {
	reply := make(chan error, 1)
	if err := e.do(func() { reply <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event channel full, dropping event", "type", ev.Type)
	}
}

func (e *Engine) setState(s ConnState) {
	if e.state == s {
		return
	}
	e.state = s
	e.logger.Debug("connection state", "state", s)
	e.emit(Event{Type: EventStateChanged, State: s})
}

func (e *Engine) send(msg protocol.Message) error {
	if e.conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return e.conn.Send(data)
}

// Connect starts the lifecycle. sessionHint names the session to resume, or
// is empty for a fresh start.
func (e *Engine) Connect(ctx context.Context, sessionHint string) error {
	return e.call(func() error {
		if e.state != StateDisconnected {
			return nil
		}
		e.sessionHint = protocol.NormalizeSessionID(sessionHint)
		if e.activeSession == "" {
			e.activeSession = e.sessionHint
		}
		e.userClosed = false
		e.attempt = 0
		e.reconnectStart = time.Time{}
		e.dial(ctx)
		return nil
	})
}

// Disconnect shuts the connection down. It cancels any pending reconnect
// wait; deliberate disconnection is never treated as a failure.
func (e *Engine) Disconnect() error {
	return e.call(func() error {
		e.userClosed = true
		e.stopBackoff()
		e.closeConn()
		e.stopDrain()
		e.setState(StateDisconnected)
		return nil
	})
}

// SetActiveSession changes which session the engine tracks deliveries for
// and subscribes to on (re)connect.
func (e *Engine) SetActiveSession(ctx context.Context, sessionID string) error {
	return e.call(func() error {
		id := protocol.NormalizeSessionID(sessionID)
		if id == "" || id == e.activeSession {
			e.activeSession = id
			return nil
		}
		e.activeSession = id
		if e.state == StateConnected {
			return e.subscribe(ctx, id)
		}
		return nil
	})
}

// SubmitPrompt sends a prompt for sessionID, taking the session lock first.
// If a turn is already in flight the call fails locally with
// ErrSessionLocked and nothing reaches the wire. The session id is
// required: with an empty id the server would mint one, and its terminal
// events would then never release the lock taken under the empty key.
func (e *Engine) SubmitPrompt(sessionID, text, workingDir string) error {
	return e.call(func() error {
		if e.state != StateConnected {
			return ErrNotConnected
		}
		id := protocol.NormalizeSessionID(sessionID)
		if id == "" {
			return ErrNoSession
		}
		if e.locks[id] {
			return ErrSessionLocked
		}
		e.locks[id] = true
		if err := e.send(&protocol.Prompt{SessionID: id, Text: text, WorkingDirectory: workingDir}); err != nil {
			delete(e.locks, id)
			return err
		}
		return nil
	})
}

// ForceUnlock clears a local lock the user believes is stale. It does not
// touch the server's view.
func (e *Engine) ForceUnlock(sessionID string) error {
	return e.call(func() error {
		id := protocol.NormalizeSessionID(sessionID)
		delete(e.locks, id)
		return nil
	})
}

// Locked reports whether sessionID has a turn in flight in the local table.
func (e *Engine) Locked(sessionID string) bool {
	var locked bool
	_ = e.call(func() error {
		locked = e.locks[protocol.NormalizeSessionID(sessionID)]
		return nil
	})
	return locked
}

// Send dispatches any catalog request on the live connection. It is the
// escape hatch for operations with no engine-side state: working-directory
// changes, command execution, resource listing and the like.
func (e *Engine) Send(msg protocol.Message) error {
	return e.call(func() error {
		if e.state != StateConnected {
			return ErrNotConnected
		}
		return e.send(msg)
	})
}

func (e *Engine) teardown() {
	e.stopBackoff()
	e.stopDrain()
	e.closeConn()
	if e.keepalive != nil {
		e.keepalive.Stop()
		e.keepalive = nil
	}
}
