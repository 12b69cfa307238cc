// Package index maintains the server's process-wide session directory: a
// mapping from session id to transcript location and cached metadata, plus
// a monotonic read cursor per transcript file.
//
// Two independent actors write here concurrently: inbound request handlers
// and the filesystem watcher. Insertion is compare-and-set (first writer
// wins, the loser's metadata is discarded) and cursor advancement is a
// max-merge, so a watcher that has already read past a request handler's
// view of a file is never regressed. No lock is held across sessions.
package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"codelink/internal/protocol"
)

// Source tags which actor created an index entry. Informational only: it
// must never influence which entry wins an insertion race.
type Source string

const (
	SourceWatcher        Source = "watcher"
	SourceRequestHandler Source = "request-handler"
)

// Entry is one session's cached directory record. SessionID,
// TranscriptPath and Source are immutable after insertion; the message
// counter and the display metadata may be updated as the transcript grows.
type Entry struct {
	SessionID      string
	TranscriptPath string
	Source         Source

	messageCount atomic.Int64

	metaMu           sync.Mutex
	displayName      string
	workingDirectory string
}

// MessageCount returns the cached number of transcript records.
func (e *Entry) MessageCount() int {
	return int(e.messageCount.Load())
}

// AddMessages bumps the cached record count after an append.
func (e *Entry) AddMessages(n int) {
	e.messageCount.Add(int64(n))
}

// SetMessages replaces the cached record count after a transcript rewrite.
func (e *Entry) SetMessages(n int) {
	e.messageCount.Store(int64(n))
}

// DisplayName returns the cached display name, which may be empty until a
// user record has been seen.
func (e *Entry) DisplayName() string {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.displayName
}

// WorkingDirectory returns the cached working directory for the session.
func (e *Entry) WorkingDirectory() string {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.workingDirectory
}

// fillMeta backfills display metadata that was unknown at insertion time.
// Fields already set keep their value: the first record seen wins, no
// matter which actor read it.
func (e *Entry) fillMeta(displayName, workingDirectory string) {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	if e.displayName == "" {
		e.displayName = displayName
	}
	if e.workingDirectory == "" {
		e.workingDirectory = workingDirectory
	}
}

// Index is the process-wide session directory. Safe for concurrent use by
// any number of request handlers and one or more watchers.
type Index struct {
	dir     string
	entries sync.Map // session id -> *Entry
	cursors sync.Map // transcript path -> *atomic.Int64

	mu sync.Mutex // guards Rescan's directory listing only
}

// New creates an index over the given transcript directory.
func New(dir string) *Index {
	return &Index{dir: dir}
}

// Dir returns the transcript directory.
func (ix *Index) Dir() string { return ix.dir }

// TranscriptPath returns the on-disk transcript location for a session id.
func (ix *Index) TranscriptPath(sessionID string) string {
	return filepath.Join(ix.dir, protocol.NormalizeSessionID(sessionID)+".jsonl")
}

// Get returns the entry for a session id without touching disk.
func (ix *Index) Get(sessionID string) (*Entry, bool) {
	v, ok := ix.entries.Load(protocol.NormalizeSessionID(sessionID))
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// EnsureSession returns the index entry for a session, creating it from the
// transcript file if needed.
//
// Fast path: an existing entry is returned unchanged. Slow path: the
// transcript is located on disk; absent or empty means (nil, nil) with no
// placeholder created. Otherwise metadata is built from a prefix of the
// file and inserted via LoadOrStore, so if a concurrent caller (for the
// same id) got there first, its entry wins and this call's metadata is
// thrown away. Either way the file cursor advances to the maximum of the
// existing value and the prefix length read here.
func (ix *Index) EnsureSession(sessionID string, source Source) (*Entry, error) {
	id := protocol.NormalizeSessionID(sessionID)
	if v, ok := ix.entries.Load(id); ok {
		return v.(*Entry), nil
	}

	path := ix.TranscriptPath(id)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat transcript %s: %w", path, err)
	}
	if fi.Size() == 0 {
		return nil, nil
	}

	meta, read, err := readTranscriptMeta(path, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", path, err)
	}

	e := &Entry{
		SessionID:        id,
		TranscriptPath:   path,
		Source:           source,
		displayName:      meta.displayName,
		workingDirectory: meta.workingDirectory,
	}
	e.messageCount.Store(int64(meta.recordCount))

	actual, loaded := ix.entries.LoadOrStore(id, e)
	entry := actual.(*Entry)
	if loaded {
		// Lost the insertion race; the winner's metadata stands.
		ix.AdvanceCursor(path, read)
		return entry, nil
	}

	ix.AdvanceCursor(path, read)
	return entry, nil
}

// Register inserts an entry for a brand-new session that has no transcript
// content yet, so the request path can hold a stable entry while writing
// the first record. LoadOrStore semantics apply.
func (ix *Index) Register(sessionID, workingDirectory string, source Source) *Entry {
	id := protocol.NormalizeSessionID(sessionID)
	e := &Entry{
		SessionID:        id,
		TranscriptPath:   ix.TranscriptPath(id),
		Source:           source,
		workingDirectory: workingDirectory,
	}
	actual, _ := ix.entries.LoadOrStore(id, e)
	return actual.(*Entry)
}

// Remove drops a session from the index (transcript deleted or compacted
// away). The cursor is reset so a recreated file is re-read from scratch.
func (ix *Index) Remove(sessionID string) {
	id := protocol.NormalizeSessionID(sessionID)
	ix.entries.Delete(id)
	ix.cursors.Delete(ix.TranscriptPath(id))
}

// ResetCursor forces the cursor for a path back to the given value.
// Only used after compaction rewrites a transcript in place.
func (ix *Index) ResetCursor(path string, n int64) {
	c := ix.cursor(path)
	c.Store(n)
}

// Cursor returns the current read cursor for a transcript path.
func (ix *Index) Cursor(path string) int64 {
	return ix.cursor(path).Load()
}

// AdvanceCursor merges a proposed cursor value: the stored value becomes
// max(existing, proposed), never a blind overwrite. Returns the value after
// the merge. Lock-free CAS loop; concurrent advancers for distinct files
// never contend.
func (ix *Index) AdvanceCursor(path string, proposed int64) int64 {
	c := ix.cursor(path)
	for {
		cur := c.Load()
		if proposed <= cur {
			return cur
		}
		if c.CompareAndSwap(cur, proposed) {
			return proposed
		}
	}
}

// ClaimThrough tries to move the cursor from exactly `from` to `to` in one
// step, and reports whether this caller won. Whoever claims a byte range
// owns counting the records inside it: the appender claims the bytes it just
// wrote, the watcher claims whatever tail it read, and a range is never
// claimed twice. A claim fails when the cursor has already moved past
// `from`, meaning the other actor got there first.
func (ix *Index) ClaimThrough(path string, from, to int64) bool {
	if to <= from {
		return false
	}
	return ix.cursor(path).CompareAndSwap(from, to)
}

func (ix *Index) cursor(path string) *atomic.Int64 {
	if v, ok := ix.cursors.Load(path); ok {
		return v.(*atomic.Int64)
	}
	v, _ := ix.cursors.LoadOrStore(path, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Sessions returns all entries sorted by session id.
func (ix *Index) Sessions() []*Entry {
	var out []*Entry
	ix.entries.Range(func(_, v any) bool {
		out = append(out, v.(*Entry))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Rescan walks the transcript directory and ensures every transcript has an
// index entry. Used by refresh-sessions and at server startup.
func (ix *Index) Rescan(source Source) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries, err := os.ReadDir(ix.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read transcript dir: %w", err)
	}

	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".jsonl" {
			continue
		}
		id := de.Name()[:len(de.Name())-len(".jsonl")]
		if _, err := ix.EnsureSession(id, source); err != nil {
			return err
		}
	}
	return nil
}
