package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codelink/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

// --- Pending uploads ---

func TestUploadQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	u := &models.PendingUpload{
		Filename:    "a.txt",
		ContentPath: filepath.Join(dir, "a.txt"),
		SizeBytes:   1024,
	}
	require.NoError(t, s.EnqueueUpload(ctx, u))
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, models.UploadStatusPending, u.Status)
	require.NoError(t, s.Close())

	// Simulated process restart: reopen the same file.
	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Migrate(ctx))

	pending, err := s2.ListPendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a.txt", pending[0].Filename)
	assert.EqualValues(t, 1024, pending[0].SizeBytes)
}

func TestRequeueInFlightUploads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &models.PendingUpload{Filename: "b.txt", ContentPath: "/tmp/b", SizeBytes: 1}
	require.NoError(t, s.EnqueueUpload(ctx, u))
	require.NoError(t, s.MarkUploadInFlight(ctx, u.ID))

	require.NoError(t, s.RequeueInFlightUploads(ctx))

	pending, err := s.ListPendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.UploadStatusPending, pending[0].Status)
}

func TestListPendingUploads_DrainOrderIsOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"first.txt", "second.txt", "third.txt"} {
		require.NoError(t, s.EnqueueUpload(ctx, &models.PendingUpload{
			Filename: name, ContentPath: "/tmp/" + name, SizeBytes: 1,
		}))
	}

	pending, err := s.ListPendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "first.txt", pending[0].Filename)
	assert.Equal(t, "third.txt", pending[2].Filename)

	require.NoError(t, s.DeleteUpload(ctx, pending[0].ID))
	pending, err = s.ListPendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "second.txt", pending[0].Filename)
}

func TestMarkUploadInFlight_NotFound(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.MarkUploadInFlight(context.Background(), "missing"))
}

// --- Delivery cursors ---

func TestDeliveryCursorKeepsMaximum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetLastDeliveryID(ctx, "s1", "01B"))
	// A stale writer must not regress the cursor.
	require.NoError(t, s.SetLastDeliveryID(ctx, "s1", "01A"))

	id, err := s.LastDeliveryID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "01B", id)

	require.NoError(t, s.SetLastDeliveryID(ctx, "s1", "01C"))
	id, err = s.LastDeliveryID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "01C", id)
}

func TestLastDeliveryID_UnknownSession(t *testing.T) {
	s := newTestStore(t)
	id, err := s.LastDeliveryID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, id)
}

// --- FIFO queue ---

func TestFIFOGapClosure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p1, err := s.EnqueueFIFO(ctx, "s1")
	require.NoError(t, err)
	p2, err := s.EnqueueFIFO(ctx, "s2")
	require.NoError(t, err)
	p3, err := s.EnqueueFIFO(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, []int{p1, p2, p3})

	require.NoError(t, s.DequeueFIFO(ctx, "s2"))

	entries, err := s.ListFIFO(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.Equal(t, 0, entries[0].Position)
	assert.Equal(t, "s3", entries[1].SessionID)
	assert.Equal(t, 1, entries[1].Position)
}

func TestDequeueFIFO_NotFound(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.DequeueFIFO(context.Background(), "missing"))
}

// --- Priority queue ---

func TestPriorityDisplayOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ord, err := s.AddToPriority(ctx, "s1", models.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 1.0, ord)

	ord, err = s.AddToPriority(ctx, "s2", models.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 1.0, ord)

	// Level ascending wins over order.
	entries, err := s.ListPriority(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "s2", entries[0].SessionID)
	assert.Equal(t, "s1", entries[1].SessionID)
}

func TestPriorityFractionalReorder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddToPriority(ctx, "a", models.PriorityNormal)
	require.NoError(t, err)
	_, err = s.AddToPriority(ctx, "b", models.PriorityNormal)
	require.NoError(t, err)
	_, err = s.AddToPriority(ctx, "c", models.PriorityNormal)
	require.NoError(t, err)

	// Drag "c" between "a" (1.0) and "b" (2.0) without renumbering either.
	require.NoError(t, s.Reorder(ctx, "c", 1.5))

	entries, err := s.ListPriority(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].SessionID)
	assert.Equal(t, "c", entries[1].SessionID)
	assert.Equal(t, "b", entries[2].SessionID)
	assert.Equal(t, 1.0, entries[0].Order)
	assert.Equal(t, 2.0, entries[2].Order)
}

func TestChangePriorityMovesLevels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddToPriority(ctx, "a", models.PriorityLow)
	require.NoError(t, err)
	require.NoError(t, s.ChangePriority(ctx, "a", models.PriorityHigh, 2.5))

	entries, err := s.ListPriority(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.PriorityHigh, entries[0].Level)
	assert.Equal(t, 2.5, entries[0].Order)

	require.NoError(t, s.RemoveFromPriority(ctx, "a"))
	entries, err = s.ListPriority(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// --- Command history ---

func TestCommandRecordLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &models.CommandRecord{Command: "git status"}
	require.NoError(t, s.CreateCommandRecord(ctx, rec))
	require.NotEmpty(t, rec.ID)

	require.NoError(t, s.CompleteCommandRecord(ctx, rec.ID, "clean\n", 0))

	got, err := s.GetCommandRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "git status", got.Command)
	assert.Equal(t, "clean\n", got.Output)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.NotNil(t, got.CompletedAt)

	list, err := s.ListCommandRecords(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
