package store

import (
	"context"

	"codelink/internal/models"
)

// Store defines the durable state the protocol engine depends on: the
// pending-upload queue, per-session delivery cursors, conversation ordering
// metadata, and the server's command history. Everything here survives
// process restart.
type Store interface {
	// Pending uploads
	EnqueueUpload(ctx context.Context, u *models.PendingUpload) error
	ListPendingUploads(ctx context.Context) ([]*models.PendingUpload, error)
	MarkUploadInFlight(ctx context.Context, id string) error
	RequeueInFlightUploads(ctx context.Context) error
	DeleteUpload(ctx context.Context, id string) error

	// Delivery cursors (last applied delivery id per session)
	SetLastDeliveryID(ctx context.Context, sessionID, deliveryID string) error
	LastDeliveryID(ctx context.Context, sessionID string) (string, error)

	// FIFO conversation queue
	EnqueueFIFO(ctx context.Context, sessionID string) (int, error)
	DequeueFIFO(ctx context.Context, sessionID string) error
	ListFIFO(ctx context.Context) ([]*models.FIFOEntry, error)

	// Priority conversation queue
	AddToPriority(ctx context.Context, sessionID string, level int) (float64, error)
	ChangePriority(ctx context.Context, sessionID string, level int, order float64) error
	Reorder(ctx context.Context, sessionID string, order float64) error
	RemoveFromPriority(ctx context.Context, sessionID string) error
	ListPriority(ctx context.Context) ([]*models.PriorityEntry, error)

	// Command history (server side)
	CreateCommandRecord(ctx context.Context, rec *models.CommandRecord) error
	CompleteCommandRecord(ctx context.Context, id, output string, exitCode int) error
	GetCommandRecord(ctx context.Context, id string) (*models.CommandRecord, error)
	ListCommandRecords(ctx context.Context, limit int) ([]*models.CommandRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
