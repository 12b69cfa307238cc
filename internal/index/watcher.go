package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher feeds filesystem activity in the transcript directory into the
// index. It is the second independent writer the index's compare-and-set
// discipline exists for: transcripts can appear or grow without any client
// request, e.g. when the assistant process writes them directly.
type Watcher struct {
	ix     *Index
	logger *slog.Logger
}

// NewWatcher creates a watcher over the index's transcript directory.
func NewWatcher(ix *Index, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{ix: ix, logger: logger}
}

// Run watches until ctx is cancelled. An initial rescan picks up
// transcripts that existed before the watch started.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := os.MkdirAll(w.ix.Dir(), 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}
	if err := fw.Add(w.ix.Dir()); err != nil {
		return fmt.Errorf("watch transcript dir: %w", err)
	}

	if err := w.ix.Rescan(SourceWatcher); err != nil {
		w.logger.Warn("initial transcript rescan failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handleTranscriptEvent(ev.Name)
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if id, ok := sessionIDFromPath(ev.Name); ok {
					w.ix.Remove(id)
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("transcript watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleTranscriptEvent(path string) {
	id, ok := sessionIDFromPath(path)
	if !ok {
		return
	}

	entry, err := w.ix.EnsureSession(id, SourceWatcher)
	if err != nil {
		w.logger.Warn("index transcript", "session_id", id, "error", err)
		return
	}
	if entry == nil {
		// Created but still empty; the next write event will pick it up.
		return
	}

	fi, err := os.Stat(path)
	if err != nil {
		return
	}

	// Read whatever grew past the cursor and claim the range. If a request
	// handler appended the bytes and claimed them first, the counting is
	// already done and this pass drops its read on the floor.
	from := w.ix.Cursor(path)
	if fi.Size() <= from {
		return
	}
	records, consumed, err := readRecordsBetween(path, from, fi.Size())
	if err != nil {
		w.logger.Warn("read transcript tail", "session_id", id, "error", err)
		return
	}
	if consumed == 0 {
		// Torn trailing line; wait for the writer to finish it.
		return
	}
	if !w.ix.ClaimThrough(path, from, from+consumed) {
		return
	}
	entry.AddMessages(len(records))

	var displayName, workingDirectory string
	for _, rec := range records {
		if displayName == "" && rec.Role == "user" {
			displayName = truncateDisplayName(rec.Text)
		}
		if workingDirectory == "" && rec.WorkingDirectory != "" {
			workingDirectory = rec.WorkingDirectory
		}
	}
	if displayName != "" || workingDirectory != "" {
		entry.fillMeta(displayName, workingDirectory)
	}
}

func sessionIDFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".jsonl") {
		return "", false
	}
	return strings.TrimSuffix(base, ".jsonl"), true
}
