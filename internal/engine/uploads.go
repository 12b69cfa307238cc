package engine

import (
	"context"
	"encoding/base64"
	"os"
	"time"

	"codelink/internal/models"
	"codelink/internal/protocol"
)

// QueueUpload durably enqueues a file for upload. The row and the spooled
// content survive process restarts; transfer happens whenever a connection is
// available, so this succeeds while disconnected.
func (e *Engine) QueueUpload(ctx context.Context, filename, contentPath string, sizeBytes int64) error {
	u := &models.PendingUpload{
		Filename:    filename,
		ContentPath: contentPath,
		SizeBytes:   sizeBytes,
	}
	if err := e.store.EnqueueUpload(ctx, u); err != nil {
		return err
	}
	// Nudge the loop in case a connection is already up.
	return e.do(func() { e.startDrain() })
}

// startDrain begins working the upload queue. Transfers are strictly
// sequential: one row is marked in flight, sent, and either acknowledged or
// resolved before the next row is touched.
func (e *Engine) startDrain() {
	if e.draining || e.state != StateConnected {
		return
	}
	e.draining = true
	e.drainNext()
}

func (e *Engine) drainNext() {
	if !e.draining || e.state != StateConnected {
		e.stopDrain()
		return
	}
	ctx := context.Background()
	pending, err := e.store.ListPendingUploads(ctx)
	if err != nil {
		e.logger.Warn("list pending uploads", "error", err)
		e.stopDrain()
		return
	}
	var next *models.PendingUpload
	for _, u := range pending {
		if u.Status == models.UploadStatusPending {
			next = u
			break
		}
	}
	if next == nil {
		e.stopDrain()
		return
	}

	content, err := os.ReadFile(next.ContentPath)
	if err != nil {
		// The spooled content is gone or unreadable. Retrying cannot
		// succeed, so the row is abandoned rather than wedging the queue.
		e.logger.Warn("upload content unreadable, abandoning", "filename", next.Filename, "path", next.ContentPath, "error", err)
		if derr := e.store.DeleteUpload(ctx, next.ID); derr != nil {
			e.logger.Warn("delete abandoned upload", "error", derr)
		}
		e.emit(Event{Type: EventUploadFailed, Filename: next.Filename, Detail: "upload content unreadable"})
		e.drainNext()
		return
	}

	if err := e.store.MarkUploadInFlight(ctx, next.ID); err != nil {
		e.logger.Warn("mark upload in-flight", "error", err)
		e.stopDrain()
		return
	}
	e.inflight = next
	if err := e.send(&protocol.UploadFile{
		Filename:  next.Filename,
		Content:   base64.StdEncoding.EncodeToString(content),
		SizeBytes: next.SizeBytes,
	}); err != nil {
		e.logger.Debug("upload send failed", "filename", next.Filename, "error", err)
		e.requeueInflight()
		e.stopDrain()
		return
	}
	e.ackTimer = time.NewTimer(e.cfg.AckTimeout)
}

// handleUploadAck resolves the in-flight upload. The server may have renamed
// the file to avoid a collision, so a non-matching filename still resolves
// the oldest in-flight entry. The row is deleted only here, on confirmed
// persistence.
func (e *Engine) handleUploadAck(m *protocol.FileUploaded) {
	if e.inflight == nil {
		e.logger.Debug("unexpected upload ack", "filename", m.Filename)
		return
	}
	u := e.inflight
	e.clearInflight()
	if err := e.store.DeleteUpload(context.Background(), u.ID); err != nil {
		e.logger.Warn("delete completed upload", "error", err)
	}
	e.emit(Event{Type: EventUploadDone, Filename: m.Filename})
	e.drainNext()
}

// handleAckTimeout fires when the server has not acknowledged the in-flight
// upload within AckTimeout. The row goes back to pending for the next
// connectivity window; the content may or may not have landed, and the
// server's collision renaming makes a resend safe.
func (e *Engine) handleAckTimeout() {
	if e.inflight == nil {
		return
	}
	e.logger.Warn("upload ack timeout", "filename", e.inflight.Filename)
	e.requeueInflight()
	e.stopDrain()
}

// failInflight resolves the in-flight upload as rejected by the server.
func (e *Engine) failInflight(detail string) {
	u := e.inflight
	e.clearInflight()
	if err := e.store.DeleteUpload(context.Background(), u.ID); err != nil {
		e.logger.Warn("delete rejected upload", "error", err)
	}
	e.emit(Event{Type: EventUploadFailed, Filename: u.Filename, Detail: detail})
	e.drainNext()
}

func (e *Engine) requeueInflight() {
	if e.inflight == nil {
		return
	}
	if err := e.store.RequeueInFlightUploads(context.Background()); err != nil {
		e.logger.Warn("requeue in-flight upload", "error", err)
	}
	e.clearInflight()
}

func (e *Engine) clearInflight() {
	e.inflight = nil
	if e.ackTimer != nil {
		e.ackTimer.Stop()
		e.ackTimer = nil
	}
}

// stopDrain halts queue work until the next connected transition or queue
// nudge.
func (e *Engine) stopDrain() {
	e.draining = false
	e.requeueInflight()
}
