// Package wal is the per-session journal: every session definition and
// observation is appended and fsynced before it is applied, so a session can
// be rebuilt by replaying its file.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrClosed is returned when appending to a closed journal.
var ErrClosed = errors.New("journal closed")

// Kind tags a journal record.
type Kind string

const (
	KindSession     Kind = "session"
	KindObservation Kind = "observation"
)

// maxRecordSize bounds a single journal line.
const maxRecordSize = 4 << 20

// Record is a single journal line.
type Record struct {
	Timestamp time.Time       `json:"ts"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Journal appends JSON-lines records to one file.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	closed bool
}

// PathFor returns the journal path of a session inside dir.
func PathFor(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".wal")
}

// Open creates or opens the journal of a session inside dir.
func Open(dir, sessionID string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := PathFor(dir, sessionID)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		file: file,
		path: path,
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Append encodes payload and writes it as one record with fsync.
func (j *Journal) Append(kind Kind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", kind, err)
	}

	line, err := json.Marshal(Record{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Payload:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", kind, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	// fsync before the record is applied
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	return nil
}

// Close flushes and closes the journal. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// Remove closes the journal and deletes its file.
func (j *Journal) Remove() error {
	if err := j.Close(); err != nil {
		return err
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Replay reads all records from a journal file. Malformed lines, such as a
// torn final write, are skipped. A missing file yields no records.
func Replay(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)

	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // skip malformed lines
		}
		if rec.Kind != KindSession && rec.Kind != KindObservation {
			continue
		}
		records = append(records, rec)
	}

	return records, scanner.Err()
}
