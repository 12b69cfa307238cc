// Package server implements the codelink server: a websocket endpoint
// speaking the protocol catalog, backed by the session index, the transcript
// directory, and the command-history store. The assistant itself is a
// Responder the caller plugs in; this package owns everything around it.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codelink/internal/index"
	"codelink/internal/protocol"
	"codelink/internal/store"
	"codelink/internal/transport"
)

// Config holds server settings.
type Config struct {
	Token           string
	ServerVersion   string
	UploadDir       string
	AllowedCommands []string
	MaxUploadBytes  int64
	CommandTimeout  time.Duration
}

// Server accepts websocket connections and dispatches catalog messages.
type Server struct {
	cfg       Config
	ix        *index.Index
	store     store.Store
	responder Responder
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu          sync.Mutex
	locks       map[string]bool
	subscribers map[string]map[*client]struct{}
}

// New creates a Server. store may be nil when command history persistence
// is disabled; responder defaults to an EchoResponder.
func New(cfg Config, ix *index.Index, st store.Store, responder Responder, logger *slog.Logger) *Server {
	if responder == nil {
		responder = EchoResponder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	return &Server{
		cfg:       cfg,
		ix:        ix,
		store:     st,
		responder: responder,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		locks:       make(map[string]bool),
		subscribers: make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.HandleConn(r.Context(), transport.NewWebSocketConn(ws))
}

// client is the per-connection state. Outbound writes go through send,
// which absorbs encoding and transport errors.
type client struct {
	srv  *Server
	conn transport.Conn

	mu             sync.Mutex
	authed         bool
	workingDir     string
	maxMessageSize int
	subscribed     map[string]struct{}
}

// HandleConn speaks the protocol over an established connection. Exported
// so tests can drive the server over an in-memory pipe.
func (s *Server) HandleConn(ctx context.Context, conn transport.Conn) {
	c := &client{
		srv:        s,
		conn:       conn,
		subscribed: make(map[string]struct{}),
	}
	defer s.dropClient(c)
	defer conn.Close()

	c.send(&protocol.Greeting{ServerVersion: s.cfg.ServerVersion})

	for {
		if ctx.Err() != nil {
			return
		}
		data, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				s.logger.Debug("connection closed", "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Protocol faults are logged and answered, never fatal.
			s.logger.Warn("undecodable message", "error", err)
			c.send(&protocol.Error{Detail: err.Error()})
			continue
		}

		if !c.isAuthed() {
			if !s.handleAuth(c, msg) {
				return
			}
			continue
		}

		s.dispatch(ctx, c, msg)
	}
}

// handleAuth processes the first post-greeting message. Returns false when
// the connection must close (bad credential).
func (s *Server) handleAuth(c *client, msg protocol.Message) bool {
	connect, ok := msg.(*protocol.Connect)
	if !ok {
		c.send(&protocol.Error{Detail: "authentication required"})
		return true
	}
	if s.cfg.Token != "" && connect.Token != s.cfg.Token {
		c.send(&protocol.AuthError{Detail: "invalid token"})
		return false
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()

	resolved := ""
	if connect.SessionHint != "" {
		if entry, err := s.ix.EnsureSession(connect.SessionHint, index.SourceRequestHandler); err == nil && entry != nil {
			resolved = entry.SessionID
		}
	}
	c.send(&protocol.Connected{SessionID: resolved, ServerVersion: s.cfg.ServerVersion})
	c.send(&protocol.AvailableCommands{Commands: append([]string(nil), s.cfg.AllowedCommands...)})
	s.sendSessionList(c)
	return true
}

func (s *Server) dispatch(ctx context.Context, c *client, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Ping:
		c.send(&protocol.Pong{})
	case *protocol.Prompt:
		s.handlePrompt(ctx, c, m)
	case *protocol.Subscribe:
		s.handleSubscribe(c, m)
	case *protocol.MessageAck:
		// Acks are informational. Catch-up after a dropped connection is
		// driven by the client's persisted cursor on resubscribe, not by
		// per-connection redelivery, so there is nothing to do here.
	case *protocol.SetWorkingDirectory:
		c.mu.Lock()
		c.workingDir = m.Path
		c.mu.Unlock()
		c.send(&protocol.Ack{For: protocol.TypeSetWorkingDirectory})
	case *protocol.SetMaxMessageSize:
		c.mu.Lock()
		c.maxMessageSize = m.Bytes
		c.mu.Unlock()
		c.send(&protocol.Ack{For: protocol.TypeSetMaxMessageSize})
	case *protocol.RefreshSessions:
		s.handleRefreshSessions(c)
	case *protocol.CompactSession:
		s.handleCompactSession(c, m)
	case *protocol.ExecuteCommand:
		s.handleExecuteCommand(ctx, c, m)
	case *protocol.GetCommandHistory:
		s.handleCommandHistory(ctx, c, m)
	case *protocol.GetCommandOutput:
		s.handleCommandOutput(ctx, c, m)
	case *protocol.UploadFile:
		s.handleUpload(c, m)
	case *protocol.ListResources:
		s.handleListResources(c)
	case *protocol.DeleteResource:
		s.handleDeleteResource(c, m)
	case *protocol.Connect:
		// Already authenticated; a second connect is a no-op ack.
		c.send(&protocol.Ack{For: protocol.TypeConnect})
	default:
		c.send(&protocol.Error{Detail: "unexpected message type: " + msg.MessageType()})
	}
}

// --- outbound helpers ---

func (c *client) send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.srv.logger.Error("encode outbound message", "type", msg.MessageType(), "error", err)
		return
	}
	if err := c.conn.Send(data); err != nil {
		c.srv.logger.Debug("send failed", "type", msg.MessageType(), "error", err)
	}
}

func (c *client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *client) chunkLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxMessageSize
}

// --- lock table and subscriptions ---

// tryLock takes the turn lock for a session. Returns false if another turn
// is already in flight.
func (s *Server) tryLock(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[sessionID] {
		return false
	}
	s.locks[sessionID] = true
	return true
}

func (s *Server) unlock(sessionID string) {
	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
}

// broadcastLock tells every subscriber except origin about a lock change,
// so other clients can reflect cross-client contention.
func (s *Server) broadcastLock(sessionID string, locked bool, origin *client) {
	s.mu.Lock()
	var targets []*client
	for sub := range s.subscribers[sessionID] {
		if sub != origin {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.send(&protocol.SessionLocked{SessionID: sessionID, Locked: locked})
	}
}

func (s *Server) subscribe(c *client, sessionID string) {
	s.mu.Lock()
	subs := s.subscribers[sessionID]
	if subs == nil {
		subs = make(map[*client]struct{})
		s.subscribers[sessionID] = subs
	}
	subs[c] = struct{}{}
	s.mu.Unlock()

	c.mu.Lock()
	c.subscribed[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (s *Server) dropClient(c *client) {
	c.mu.Lock()
	sessions := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		sessions = append(sessions, id)
	}
	c.mu.Unlock()

	s.mu.Lock()
	for _, id := range sessions {
		delete(s.subscribers[id], c)
		if len(s.subscribers[id]) == 0 {
			delete(s.subscribers, id)
		}
	}
	s.mu.Unlock()
}
