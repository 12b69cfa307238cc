package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, dir, id string, records ...Record) string {
	t.Helper()
	path := filepath.Join(dir, id+".jsonl")
	for _, rec := range records {
		_, _, err := AppendRecord(path, rec)
		require.NoError(t, err)
	}
	return path
}

func userRecord(text string) Record {
	return Record{Role: "user", Text: text, WorkingDirectory: "/work", CreatedAt: "2025-06-01T12:00:00.000Z"}
}

func TestEnsureSession_FastPathReturnsExisting(t *testing.T) {
	dir := t.TempDir()
	ix := New(dir)
	writeTranscript(t, dir, "aaaa", userRecord("hello world"))

	first, err := ix.EnsureSession("aaaa", SourceRequestHandler)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := ix.EnsureSession("AAAA", SourceWatcher)
	require.NoError(t, err)
	assert.Same(t, first, second, "fast path must return the existing entry unchanged")
	assert.Equal(t, SourceRequestHandler, second.Source)
}

func TestEnsureSession_MissingOrEmptyTranscript(t *testing.T) {
	dir := t.TempDir()
	ix := New(dir)

	e, err := ix.EnsureSession("missing", SourceRequestHandler)
	require.NoError(t, err)
	assert.Nil(t, e)

	// An empty file must not produce a placeholder either.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.jsonl"), nil, 0o644))
	e, err = ix.EnsureSession("empty", SourceRequestHandler)
	require.NoError(t, err)
	assert.Nil(t, e)

	_, ok := ix.Get("empty")
	assert.False(t, ok)
}

func TestEnsureSession_BuildsMetadata(t *testing.T) {
	dir := t.TempDir()
	ix := New(dir)
	path := writeTranscript(t, dir, "bbbb",
		userRecord("fix the login bug"),
		Record{Role: "assistant", Text: "done", DeliveryID: "01A", CreatedAt: "2025-06-01T12:00:01.000Z"},
	)

	e, err := ix.EnsureSession("bbbb", SourceRequestHandler)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "fix the login bug", e.DisplayName())
	assert.Equal(t, "/work", e.WorkingDirectory())
	assert.Equal(t, 2, e.MessageCount())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), ix.Cursor(path))
}

func TestEnsureSession_ToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	ix := New(dir)
	path := writeTranscript(t, dir, "cccc", userRecord("a prompt"))

	// Simulate a concurrent append caught mid-line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"role":"assist`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e, err := ix.EnsureSession("cccc", SourceRequestHandler)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 1, e.MessageCount(), "torn tail must not count as a record")

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, ix.Cursor(path), fi.Size(), "cursor must stop before the torn tail")
}

// Concurrent interleavings of request-handler and watcher insertion for the
// same new session id must end with exactly one entry and a cursor equal to
// the maximum any actor attempted to set.
func TestEnsureSession_ConcurrentInsertSingleEntry(t *testing.T) {
	dir := t.TempDir()
	ix := New(dir)
	path := writeTranscript(t, dir, "dddd", userRecord("race me"))

	const goroutines = 32
	entries := make([]*Entry, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := SourceRequestHandler
			if i%2 == 0 {
				src = SourceWatcher
			}
			e, err := ix.EnsureSession("dddd", src)
			assert.NoError(t, err)
			entries[i] = e
			ix.AdvanceCursor(path, int64(i))
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, entries[0], entries[i], "all callers must observe the same entry")
	}
	assert.Len(t, ix.Sessions(), 1)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), ix.Cursor(path), "cursor must equal the max of all attempted values")
}

func TestAdvanceCursor_MaxMergeNeverRegresses(t *testing.T) {
	ix := New(t.TempDir())

	assert.EqualValues(t, 100, ix.AdvanceCursor("/t/x.jsonl", 100))
	assert.EqualValues(t, 100, ix.AdvanceCursor("/t/x.jsonl", 40), "smaller proposal must not win")
	assert.EqualValues(t, 250, ix.AdvanceCursor("/t/x.jsonl", 250))
	assert.EqualValues(t, 250, ix.Cursor("/t/x.jsonl"))
}

func TestAdvanceCursor_ConcurrentMax(t *testing.T) {
	ix := New(t.TempDir())
	const n = 200

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ix.AdvanceCursor("/t/y.jsonl", int64(i))
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, n, ix.Cursor("/t/y.jsonl"))
}

func TestRescanIndexesExistingTranscripts(t *testing.T) {
	dir := t.TempDir()
	writeTranscript(t, dir, "s-one", userRecord("one"))
	writeTranscript(t, dir, "s-two", userRecord("two"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	ix := New(dir)
	require.NoError(t, ix.Rescan(SourceWatcher))

	sessions := ix.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "s-one", sessions[0].SessionID)
	assert.Equal(t, SourceWatcher, sessions[0].Source)
}

func TestRewriteRecordsReplacesTranscript(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "eeee",
		userRecord("one"), userRecord("two"), userRecord("three"))

	size, err := RewriteRecords(path, []Record{userRecord("summary")})
	require.NoError(t, err)
	assert.Positive(t, size)

	records, err := ReadRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "summary", records[0].Text)
}

func TestClaimThrough_ExactlyOnce(t *testing.T) {
	ix := New(t.TempDir())
	path := "/t/z.jsonl"

	assert.True(t, ix.ClaimThrough(path, 0, 50))
	assert.False(t, ix.ClaimThrough(path, 0, 50), "a range can only be claimed once")
	assert.False(t, ix.ClaimThrough(path, 10, 40), "a stale starting point must lose")
	assert.True(t, ix.ClaimThrough(path, 50, 120))
	assert.False(t, ix.ClaimThrough(path, 120, 120), "empty range is not a claim")
	assert.EqualValues(t, 120, ix.Cursor(path))
}

func TestAppendRecordReturnsClaimableRange(t *testing.T) {
	dir := t.TempDir()
	ix := New(dir)
	path := filepath.Join(dir, "gggg.jsonl")

	start, end, err := AppendRecord(path, userRecord("first"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, start)
	require.True(t, ix.ClaimThrough(path, start, end))

	// A reader holding the pre-append cursor must lose to the appender.
	start2, end2, err := AppendRecord(path, userRecord("second"))
	require.NoError(t, err)
	assert.Equal(t, end, start2)
	require.True(t, ix.ClaimThrough(path, start2, end2))
	assert.False(t, ix.ClaimThrough(path, start2, end2))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), end2)
}

func TestWatcherIndexesNewTranscript(t *testing.T) {
	dir := t.TempDir()
	ix := New(dir)
	w := NewWatcher(ix, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watch time to establish before writing.
	time.Sleep(100 * time.Millisecond)
	path := writeTranscript(t, dir, "ffff", userRecord("from the watcher"))

	require.Eventually(t, func() bool {
		e, ok := ix.Get("ffff")
		return ok && e.Source == SourceWatcher
	}, 3*time.Second, 20*time.Millisecond)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ix.Cursor(path) == fi.Size()
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

// A transcript appended to by an outside process, not through the request
// path, must still be counted and have its metadata filled in.
func TestWatcherCountsExternalAppends(t *testing.T) {
	dir := t.TempDir()
	ix := New(dir)

	// Session registered by the request path before any user record landed,
	// so display metadata starts out empty.
	e := ix.Register("hhhh", "", SourceRequestHandler)
	assert.Equal(t, 0, e.MessageCount())
	assert.Empty(t, e.DisplayName())

	w := NewWatcher(ix, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	path := writeTranscript(t, dir, "hhhh",
		userRecord("review the patch"),
		Record{Role: "assistant", Text: "looks good", DeliveryID: "01B", CreatedAt: "2025-06-01T12:00:02.000Z"},
	)

	require.Eventually(t, func() bool {
		return e.MessageCount() == 2
	}, 3*time.Second, 20*time.Millisecond, "externally appended records must be counted")
	assert.Equal(t, "review the patch", e.DisplayName())
	assert.Equal(t, "/work", e.WorkingDirectory())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ix.Cursor(path) == fi.Size()
	}, 3*time.Second, 20*time.Millisecond)

	// More growth after the first read advances the count again.
	_, _, err = AppendRecord(path, userRecord("and the tests"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return e.MessageCount() == 3
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
