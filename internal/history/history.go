// Package history persists rung reports so finished or evicted sessions can
// still be inspected.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fractal-lba/halving/internal/selection"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown history backend")

// Store keeps the rung reports of each session in rung order.
type Store interface {
	// Append stores a report. Appending the same rung twice is a no-op.
	Append(ctx context.Context, sessionID string, report selection.RungReport) error

	// List returns the reports of a session ordered by rung. Unknown sessions
	// yield an empty list.
	List(ctx context.Context, sessionID string) ([]selection.RungReport, error)

	// Delete drops a session's history.
	Delete(ctx context.Context, sessionID string) error

	// Close releases resources
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend      string // memory, redis or postgres
	SnapshotPath string
	RedisAddr    string
	RedisDB      int
	RedisTTL     time.Duration
	PostgresConn string
}

// Open builds the backend named in opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(opts.SnapshotPath), nil
	case "redis":
		s, err := NewRedisStore(ctx, opts.RedisAddr, "", opts.RedisDB, opts.RedisTTL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(ctx, opts.PostgresConn)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

// MemoryStore is an in-memory history with optional file snapshot
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]selection.RungReport
	snapshot string // optional file path for persistence
}

// NewMemoryStore creates an in-memory store, loading the snapshot if present.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		sessions: make(map[string][]selection.RungReport),
		snapshot: snapshotPath,
	}

	if snapshotPath != "" {
		if err := ms.loadSnapshot(); err != nil {
			log.Printf("history: ignoring snapshot %s: %v", snapshotPath, err)
		}
	}

	return ms
}

func (m *MemoryStore) Append(ctx context.Context, sessionID string, report selection.RungReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.sessions[sessionID] {
		if r.Rung == report.Rung {
			return nil
		}
	}
	m.sessions[sessionID] = append(m.sessions[sessionID], report)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, sessionID string) ([]selection.RungReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reports := m.sessions[sessionID]
	out := make([]selection.RungReport, len(reports))
	copy(out, reports)
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot map[string][]selection.RungReport
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	for k, v := range snapshot {
		m.sessions[k] = v
	}

	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.sessions, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	return os.WriteFile(m.snapshot, data, 0600)
}

// Recorder adapts a Store to selection.Reporter for one session. Write
// errors are logged and counted, never returned to the scheduler.
type Recorder struct {
	store     Store
	sessionID string
	timeout   time.Duration
	onError   func(error)
}

// NewRecorder returns a reporter writing into store. onError may be nil.
func NewRecorder(store Store, sessionID string, onError func(error)) *Recorder {
	return &Recorder{
		store:     store,
		sessionID: sessionID,
		timeout:   2 * time.Second,
		onError:   onError,
	}
}

// ReportRung implements selection.Reporter.
func (r *Recorder) ReportRung(report selection.RungReport) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.Append(ctx, r.sessionID, report); err != nil {
		log.Printf("history: session %s rung %d: %v", r.sessionID, report.Rung, err)
		if r.onError != nil {
			r.onError(err)
		}
	}
}
