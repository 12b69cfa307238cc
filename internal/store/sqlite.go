package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"codelink/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Pending uploads ---

func (s *SQLiteStore) EnqueueUpload(ctx context.Context, u *models.PendingUpload) error {
	if u.ID == "" {
		u.ID = newULID()
	}
	if u.Status == "" {
		u.Status = models.UploadStatusPending
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_uploads (id, filename, content_path, size_bytes, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Filename, u.ContentPath, u.SizeBytes, string(u.Status), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue upload: %w", err)
	}
	return nil
}

// ListPendingUploads returns queued uploads oldest first, which is the
// drain order.
func (s *SQLiteStore) ListPendingUploads(ctx context.Context) ([]*models.PendingUpload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, content_path, size_bytes, status, created_at
		FROM pending_uploads WHERE status IN ('pending', 'in-flight')
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list pending uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*models.PendingUpload
	for rows.Next() {
		u := &models.PendingUpload{}
		var status string
		if err := rows.Scan(&u.ID, &u.Filename, &u.ContentPath, &u.SizeBytes, &status, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		u.Status = models.UploadStatus(status)
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

func (s *SQLiteStore) MarkUploadInFlight(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_uploads SET status = 'in-flight' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark upload in-flight: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("upload not found: %s", id)
	}
	return nil
}

// RequeueInFlightUploads resets in-flight rows to pending. Called on
// startup: an in-flight row at that point means a previous process died
// mid-drain, and the ack it was waiting for will never arrive.
func (s *SQLiteStore) RequeueInFlightUploads(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_uploads SET status = 'pending' WHERE status = 'in-flight'`)
	if err != nil {
		return fmt.Errorf("requeue in-flight uploads: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteUpload(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return nil
}

// --- Delivery cursors ---

// SetLastDeliveryID records the last applied delivery id for a session.
// Delivery ids are ULIDs, so lexicographic order is generation order; the
// upsert keeps the maximum rather than the last write.
func (s *SQLiteStore) SetLastDeliveryID(ctx context.Context, sessionID, deliveryID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_cursors (session_id, last_delivery_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_delivery_id = excluded.last_delivery_id,
			updated_at = excluded.updated_at
		WHERE excluded.last_delivery_id > delivery_cursors.last_delivery_id`,
		sessionID, deliveryID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set delivery cursor: %w", err)
	}
	return nil
}

// LastDeliveryID returns the last applied delivery id for a session, or ""
// if the session has never received one.
func (s *SQLiteStore) LastDeliveryID(ctx context.Context, sessionID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_delivery_id FROM delivery_cursors WHERE session_id = ?`, sessionID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get delivery cursor: %w", err)
	}
	return id, nil
}

// --- FIFO queue ---

// EnqueueFIFO appends a session at the end of the FIFO queue and returns
// its position.
func (s *SQLiteStore) EnqueueFIFO(ctx context.Context, sessionID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("enqueue fifo: %w", err)
	}
	defer tx.Rollback()

	var pos int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM fifo_queue`).Scan(&pos); err != nil {
		return 0, fmt.Errorf("enqueue fifo: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fifo_queue (session_id, position, queued_at) VALUES (?, ?, ?)`,
		sessionID, pos, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("enqueue fifo: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue fifo: %w", err)
	}
	return pos, nil
}

// DequeueFIFO removes a session and shifts all later positions down by one,
// keeping positions a dense 0-based sequence.
func (s *SQLiteStore) DequeueFIFO(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dequeue fifo: %w", err)
	}
	defer tx.Rollback()

	var pos int
	err = tx.QueryRowContext(ctx,
		`SELECT position FROM fifo_queue WHERE session_id = ?`, sessionID).Scan(&pos)
	if err == sql.ErrNoRows {
		return fmt.Errorf("fifo entry not found: %s", sessionID)
	}
	if err != nil {
		return fmt.Errorf("dequeue fifo: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fifo_queue WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("dequeue fifo: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE fifo_queue SET position = position - 1 WHERE position > ?`, pos); err != nil {
		return fmt.Errorf("dequeue fifo: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListFIFO(ctx context.Context) ([]*models.FIFOEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, position, queued_at FROM fifo_queue ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list fifo: %w", err)
	}
	defer rows.Close()

	var entries []*models.FIFOEntry
	for rows.Next() {
		e := &models.FIFOEntry{}
		if err := rows.Scan(&e.SessionID, &e.Position, &e.QueuedAt); err != nil {
			return nil, fmt.Errorf("scan fifo entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Priority queue ---

// AddToPriority places a session at the end of a priority level and returns
// the assigned order.
func (s *SQLiteStore) AddToPriority(ctx context.Context, sessionID string, level int) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("add to priority: %w", err)
	}
	defer tx.Rollback()

	var ord float64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ord) + 1, 1.0) FROM priority_queue WHERE level = ?`, level).Scan(&ord); err != nil {
		return 0, fmt.Errorf("add to priority: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO priority_queue (session_id, level, ord, queued_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET level = excluded.level, ord = excluded.ord`,
		sessionID, level, ord, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("add to priority: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("add to priority: %w", err)
	}
	return ord, nil
}

// ChangePriority moves a session to a new level at an explicit fractional
// order. Siblings are never renumbered.
func (s *SQLiteStore) ChangePriority(ctx context.Context, sessionID string, level int, order float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE priority_queue SET level = ?, ord = ? WHERE session_id = ?`,
		level, order, sessionID)
	if err != nil {
		return fmt.Errorf("change priority: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("priority entry not found: %s", sessionID)
	}
	return nil
}

// Reorder sets a session's fractional order within its current level.
// Supports drag-and-drop insertion between siblings.
func (s *SQLiteStore) Reorder(ctx context.Context, sessionID string, order float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE priority_queue SET ord = ? WHERE session_id = ?`, order, sessionID)
	if err != nil {
		return fmt.Errorf("reorder: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("priority entry not found: %s", sessionID)
	}
	return nil
}

func (s *SQLiteStore) RemoveFromPriority(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM priority_queue WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("remove from priority: %w", err)
	}
	return nil
}

// ListPriority returns entries in display order: level ascending, then
// order ascending.
func (s *SQLiteStore) ListPriority(ctx context.Context) ([]*models.PriorityEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, level, ord, queued_at FROM priority_queue ORDER BY level, ord`)
	if err != nil {
		return nil, fmt.Errorf("list priority: %w", err)
	}
	defer rows.Close()

	var entries []*models.PriorityEntry
	for rows.Next() {
		e := &models.PriorityEntry{}
		if err := rows.Scan(&e.SessionID, &e.Level, &e.Order, &e.QueuedAt); err != nil {
			return nil, fmt.Errorf("scan priority entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Command history ---

func (s *SQLiteStore) CreateCommandRecord(ctx context.Context, rec *models.CommandRecord) error {
	if rec.ID == "" {
		rec.ID = newULID()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_history (id, command, started_at) VALUES (?, ?, ?)`,
		rec.ID, rec.Command, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("create command record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CompleteCommandRecord(ctx context.Context, id, output string, exitCode int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE command_history SET output = ?, exit_code = ?, completed_at = ? WHERE id = ?`,
		output, exitCode, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete command record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("command record not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) GetCommandRecord(ctx context.Context, id string) (*models.CommandRecord, error) {
	rec := &models.CommandRecord{}
	var exitCode sql.NullInt64
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, command, output, exit_code, started_at, completed_at
		FROM command_history WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Command, &rec.Output, &exitCode, &rec.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("command record not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get command record: %w", err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func (s *SQLiteStore) ListCommandRecords(ctx context.Context, limit int) ([]*models.CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, output, exit_code, started_at, completed_at
		FROM command_history ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list command records: %w", err)
	}
	defer rows.Close()

	var records []*models.CommandRecord
	for rows.Next() {
		rec := &models.CommandRecord{}
		var exitCode sql.NullInt64
		var completedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Command, &rec.Output, &exitCode, &rec.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan command record: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
