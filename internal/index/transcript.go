package index

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// Record is one transcript line. Transcripts are JSONL files appended to by
// the request path and read concurrently by the watcher and replay.
type Record struct {
	Role             string `json:"role"`
	Text             string `json:"text"`
	DeliveryID       string `json:"delivery_id,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	CreatedAt        string `json:"created_at"`
}

const displayNameMax = 64

// AppendRecord appends one record to a transcript file, creating it if
// needed, and returns the byte range [start, end) the record occupies. The
// range lets the appender claim its own bytes against the watcher, so each
// record is counted exactly once no matter which side sees it first.
func AppendRecord(path string, rec Record) (int64, int64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	line := append(data, '\n')
	if _, err := f.Write(line); err != nil {
		return 0, 0, fmt.Errorf("append record: %w", err)
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("seek transcript: %w", err)
	}
	return end - int64(len(line)), end, nil
}

// ReadRecords reads every record in a transcript. Lines that fail to parse
// are skipped; a torn final line from a concurrent append is expected, not
// an error.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("scan transcript: %w", err)
	}
	return records, nil
}

// readRecordsBetween reads the records in the byte range [from, limit) of a
// transcript, with the same growth tolerance as readTranscriptMeta: at most
// limit-from bytes are read and a torn trailing line is left for the next
// pass. Returns the parsed records and how many bytes were consumed.
func readRecordsBetween(path string, from, limit int64) ([]Record, int64, error) {
	if limit <= from {
		return nil, 0, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek transcript: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(f, limit-from))
	if err != nil {
		return nil, 0, fmt.Errorf("read transcript: %w", err)
	}

	idx := strings.LastIndexByte(string(data), '\n')
	if idx < 0 {
		return nil, 0, nil
	}
	data = data[:idx+1]

	var records []Record
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, int64(idx + 1), nil
}

// RewriteRecords atomically replaces a transcript's contents. Used by
// compaction. Returns the new file size.
func RewriteRecords(path string, records []Record) (int64, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create temp transcript: %w", err)
	}

	var size int64
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			_ = os.Remove(tmp)
			return 0, fmt.Errorf("marshal record: %w", err)
		}
		n, err := f.Write(append(data, '\n'))
		if err != nil {
			f.Close()
			_ = os.Remove(tmp)
			return 0, fmt.Errorf("write record: %w", err)
		}
		size += int64(n)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("close temp transcript: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("replace transcript: %w", err)
	}
	return size, nil
}

type transcriptMeta struct {
	displayName      string
	workingDirectory string
	recordCount      int
}

// readTranscriptMeta builds cached metadata from a prefix of the transcript.
// At most limit bytes (the size observed by the caller's stat) are read, so
// the read cannot fail or tear merely because the file grew afterwards. A
// trailing partial line inside the prefix is ignored.
func readTranscriptMeta(path string, limit int64) (transcriptMeta, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return transcriptMeta{}, 0, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return transcriptMeta{}, 0, err
	}

	var meta transcriptMeta

	// Only count lines the prefix fully contains; the cursor stops at the
	// last newline so a torn tail is re-read next time.
	idx := strings.LastIndexByte(string(data), '\n')
	if idx < 0 {
		return meta, 0, nil
	}
	data = data[:idx+1]
	read := int64(idx + 1)

	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		meta.recordCount++
		if meta.workingDirectory == "" && rec.WorkingDirectory != "" {
			meta.workingDirectory = rec.WorkingDirectory
		}
		if meta.displayName == "" && rec.Role == "user" {
			meta.displayName = truncateDisplayName(rec.Text)
		}
	}
	return meta, read, nil
}

func truncateDisplayName(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if utf8.RuneCountInString(s) <= displayNameMax {
		return s
	}
	runes := []rune(s)
	return string(runes[:displayNameMax-1]) + "…"
}
