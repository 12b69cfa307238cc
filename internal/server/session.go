package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"codelink/internal/index"
	"codelink/internal/protocol"
)

// Delivery ids are ULIDs: lexicographically ordered by generation time, so
// "later than the client's last applied id" is a plain string comparison.
var (
	deliveryMu      sync.Mutex
	deliveryEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newDeliveryID() string {
	deliveryMu.Lock()
	defer deliveryMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), deliveryEntropy).String()
}

func (s *Server) handlePrompt(ctx context.Context, c *client, m *protocol.Prompt) {
	if m.Text == "" {
		c.send(&protocol.Error{Detail: "text is required"})
		return
	}

	sessionID := protocol.NormalizeSessionID(m.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if !s.tryLock(sessionID) {
		c.send(&protocol.Error{SessionID: sessionID, Detail: "a turn is already in flight for this session"})
		return
	}
	s.broadcastLock(sessionID, true, c)

	workingDir := m.WorkingDirectory
	if workingDir == "" {
		c.mu.Lock()
		workingDir = c.workingDir
		c.mu.Unlock()
	}

	entry, err := s.ix.EnsureSession(sessionID, index.SourceRequestHandler)
	if err != nil {
		s.failTurn(c, sessionID, fmt.Sprintf("open session: %v", err))
		return
	}
	if entry == nil {
		entry = s.ix.Register(sessionID, workingDir, index.SourceRequestHandler)
	}

	userRec := index.Record{
		Role:             "user",
		Text:             m.Text,
		WorkingDirectory: workingDir,
		CreatedAt:        protocol.FormatTimestamp(time.Now()),
	}
	start, end, err := index.AppendRecord(entry.TranscriptPath, userRec)
	if err != nil {
		s.failTurn(c, sessionID, fmt.Sprintf("persist prompt: %v", err))
		return
	}
	// Claim the bytes we just wrote so the watcher, which may see the write
	// event first, does not count the record a second time.
	if s.ix.ClaimThrough(entry.TranscriptPath, start, end) {
		entry.AddMessages(1)
	}
	s.ix.AdvanceCursor(entry.TranscriptPath, end)

	// The prompting client always hears its own turn events.
	s.subscribe(c, sessionID)

	go s.runTurn(ctx, c, entry, Turn{
		SessionID:        sessionID,
		Prompt:           m.Text,
		WorkingDirectory: workingDir,
	})
}

// runTurn drives the responder and streams its output to subscribers.
func (s *Server) runTurn(ctx context.Context, origin *client, entry *index.Entry, turn Turn) {
	lastDeliveryID := ""

	emit := func(text string) {
		for _, piece := range splitChunks(text, origin.chunkLimit()) {
			deliveryID := newDeliveryID()
			now := protocol.FormatTimestamp(time.Now())

			rec := index.Record{Role: "assistant", Text: piece, DeliveryID: deliveryID, CreatedAt: now}
			start, end, err := index.AppendRecord(entry.TranscriptPath, rec)
			if err != nil {
				s.logger.Error("persist response", "session_id", turn.SessionID, "error", err)
			} else {
				if s.ix.ClaimThrough(entry.TranscriptPath, start, end) {
					entry.AddMessages(1)
				}
				s.ix.AdvanceCursor(entry.TranscriptPath, end)
			}

			lastDeliveryID = deliveryID
			s.broadcast(turn.SessionID, &protocol.Response{
				SessionID:  turn.SessionID,
				DeliveryID: deliveryID,
				Text:       piece,
				Timestamp:  now,
			})
		}
	}

	result, err := s.responder.Respond(ctx, turn, emit)
	if err != nil {
		s.failTurn(origin, turn.SessionID, err.Error())
		return
	}

	s.broadcast(turn.SessionID, &protocol.TurnComplete{
		SessionID:  turn.SessionID,
		DeliveryID: lastDeliveryID,
		Usage:      &result.Usage,
		CostUSD:    result.CostUSD,
	})
	s.unlock(turn.SessionID)
	s.broadcastLock(turn.SessionID, false, nil)
}

// failTurn reports an application fault naming the session, which releases
// the lock on every client, then drops the server-side lock.
func (s *Server) failTurn(c *client, sessionID, detail string) {
	msg := &protocol.Error{SessionID: sessionID, Detail: detail}
	s.broadcast(sessionID, msg)

	c.mu.Lock()
	_, subscribed := c.subscribed[sessionID]
	c.mu.Unlock()
	if !subscribed {
		c.send(msg)
	}

	s.unlock(sessionID)
	s.broadcastLock(sessionID, false, nil)
}

// broadcast sends a message to every subscriber of a session.
func (s *Server) broadcast(sessionID string, msg protocol.Message) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.subscribers[sessionID]))
	for sub := range s.subscribers[sessionID] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.send(msg)
	}
}

func (s *Server) handleSubscribe(c *client, m *protocol.Subscribe) {
	sessionID := protocol.NormalizeSessionID(m.SessionID)
	if sessionID == "" {
		c.send(&protocol.Error{Detail: "session_id is required"})
		return
	}
	s.subscribe(c, sessionID)

	entry, err := s.ix.EnsureSession(sessionID, index.SourceRequestHandler)
	if err != nil {
		c.send(&protocol.Error{SessionID: sessionID, Detail: fmt.Sprintf("open session: %v", err)})
		return
	}
	if entry == nil {
		// Nothing to replay yet; live events will follow.
		return
	}

	records, err := index.ReadRecords(entry.TranscriptPath)
	if err != nil {
		c.send(&protocol.Error{SessionID: sessionID, Detail: fmt.Sprintf("read transcript: %v", err)})
		return
	}

	if m.LastDeliveryID == "" {
		// Fresh subscription: the full transcript, then live. The history
		// already carries every record, so nothing is replayed on top.
		c.send(&protocol.SessionHistory{SessionID: sessionID, Messages: rawRecords(records)})
		s.sendLockNotice(c, sessionID)
		return
	}

	// Redeliver everything later than the client's cursor, original order.
	for _, rec := range records {
		if rec.DeliveryID == "" || rec.DeliveryID <= m.LastDeliveryID {
			continue
		}
		inner, err := protocol.Encode(&protocol.Response{
			SessionID:  sessionID,
			DeliveryID: rec.DeliveryID,
			Text:       rec.Text,
			Timestamp:  rec.CreatedAt,
		})
		if err != nil {
			continue
		}
		c.send(&protocol.Replay{SessionID: sessionID, DeliveryID: rec.DeliveryID, Message: inner})
	}

	s.sendLockNotice(c, sessionID)
}

// sendLockNotice lets a late subscriber see an in-flight turn.
func (s *Server) sendLockNotice(c *client, sessionID string) {
	s.mu.Lock()
	locked := s.locks[sessionID]
	s.mu.Unlock()
	if locked {
		c.send(&protocol.SessionLocked{SessionID: sessionID, Locked: true})
	}
}

func rawRecords(records []index.Record) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

func (s *Server) handleRefreshSessions(c *client) {
	if err := s.ix.Rescan(index.SourceRequestHandler); err != nil {
		c.send(&protocol.Error{Detail: fmt.Sprintf("rescan sessions: %v", err)})
		return
	}
	c.send(&protocol.RecentSessions{Sessions: s.sessionSummaries()})
}

func (s *Server) sendSessionList(c *client) {
	c.send(&protocol.SessionList{Sessions: s.sessionSummaries()})
}

func (s *Server) sessionSummaries() []protocol.SessionSummary {
	entries := s.ix.Sessions()
	summaries := make([]protocol.SessionSummary, 0, len(entries))
	for _, e := range entries {
		sum := protocol.SessionSummary{
			SessionID:        e.SessionID,
			DisplayName:      e.DisplayName(),
			WorkingDirectory: e.WorkingDirectory(),
			MessageCount:     e.MessageCount(),
		}
		if fi, err := os.Stat(e.TranscriptPath); err == nil {
			sum.LastModified = protocol.FormatTimestamp(fi.ModTime())
		}
		summaries = append(summaries, sum)
	}
	// Most recently active first.
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].LastModified != summaries[j].LastModified {
			return summaries[i].LastModified > summaries[j].LastModified
		}
		return summaries[i].SessionID < summaries[j].SessionID
	})
	return summaries
}

func (s *Server) handleCompactSession(c *client, m *protocol.CompactSession) {
	sessionID := protocol.NormalizeSessionID(m.SessionID)

	s.mu.Lock()
	locked := s.locks[sessionID]
	s.mu.Unlock()
	if locked {
		c.send(&protocol.CompactionError{SessionID: sessionID, Detail: "a turn is in flight"})
		return
	}

	entry, err := s.ix.EnsureSession(sessionID, index.SourceRequestHandler)
	if err != nil || entry == nil {
		c.send(&protocol.CompactionError{SessionID: sessionID, Detail: "session not found"})
		return
	}

	records, err := index.ReadRecords(entry.TranscriptPath)
	if err != nil {
		c.send(&protocol.CompactionError{SessionID: sessionID, Detail: fmt.Sprintf("read transcript: %v", err)})
		return
	}
	if len(records) <= 2 {
		c.send(&protocol.CompactionComplete{SessionID: sessionID, MessageCount: len(records)})
		return
	}

	// Keep a summary marker plus the last exchange.
	compacted := append([]index.Record{{
		Role:      "summary",
		Text:      fmt.Sprintf("Compacted %d earlier messages", len(records)-2),
		CreatedAt: protocol.FormatTimestamp(time.Now()),
	}}, records[len(records)-2:]...)

	size, err := index.RewriteRecords(entry.TranscriptPath, compacted)
	if err != nil {
		c.send(&protocol.CompactionError{SessionID: sessionID, Detail: fmt.Sprintf("rewrite transcript: %v", err)})
		return
	}
	s.ix.ResetCursor(entry.TranscriptPath, size)
	entry.SetMessages(len(compacted))

	c.send(&protocol.CompactionComplete{SessionID: sessionID, MessageCount: len(compacted)})
}

// splitChunks cuts text into pieces no longer than limit bytes, on rune
// boundaries. limit <= 0 means no cap.
func splitChunks(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	current := make([]rune, 0, limit)
	size := 0
	for _, r := range text {
		rl := len(string(r))
		if size+rl > limit && size > 0 {
			chunks = append(chunks, string(current))
			current = current[:0]
			size = 0
		}
		current = append(current, r)
		size += rl
	}
	if size > 0 {
		chunks = append(chunks, string(current))
	}
	return chunks
}
