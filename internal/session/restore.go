package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fractal-lba/halving/internal/selection"
	"github.com/fractal-lba/halving/internal/wal"
)

// ErrBadJournal is returned when a journal does not start with a session record.
var ErrBadJournal = errors.New("journal has no session record")

// Header is the first record of every journal.
type Header struct {
	ID         string     `json:"id"`
	Definition Definition `json:"definition"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Replayed summarizes a rebuild.
type Replayed struct {
	Header       Header
	Runner       Runner
	Observations int // records applied
	Rejected     int // records the runner rejected, as it did originally
}

// Restore rebuilds a runner from journal records. Observations that failed
// when first received fail again and are counted, not returned.
func Restore(records []wal.Record, cfg selection.Config) (*Replayed, error) {
	if len(records) == 0 || records[0].Kind != wal.KindSession {
		return nil, ErrBadJournal
	}

	var h Header
	if err := json.Unmarshal(records[0].Payload, &h); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}

	r, err := h.Definition.Build(cfg)
	if err != nil {
		return nil, fmt.Errorf("rebuild session %s: %w", h.ID, err)
	}

	out := &Replayed{Header: h, Runner: r}
	if err := replay(r, records[1:], out); err != nil {
		return nil, err
	}
	return out, nil
}

func replay(r Runner, records []wal.Record, out *Replayed) error {
	for i, rec := range records {
		if rec.Kind != wal.KindObservation {
			return fmt.Errorf("record %d: unexpected %s record", i+1, rec.Kind)
		}

		var obs Observation
		if err := json.Unmarshal(rec.Payload, &obs); err != nil {
			out.Rejected++
			continue
		}
		if err := r.Observe(obs); err != nil {
			out.Rejected++
			continue
		}
		out.Observations++
	}
	return nil
}

// Recover rebuilds every session journaled in the configured directory and
// registers it under its original id. Reporters stay muted during replay.
func (m *Manager) Recover() (int, error) {
	if m.cfg.JournalDir == "" {
		return 0, nil
	}

	paths, err := filepath.Glob(filepath.Join(m.cfg.JournalDir, "*.wal"))
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, path := range paths {
		if err := m.recoverOne(path); err != nil {
			log.Printf("session recovery: %s: %v", filepath.Base(path), err)
			continue
		}
		restored++
	}
	return restored, nil
}

func (m *Manager) recoverOne(path string) error {
	records, err := wal.Replay(path)
	if err != nil {
		return err
	}
	if len(records) == 0 || records[0].Kind != wal.KindSession {
		return ErrBadJournal
	}

	var h Header
	if err := json.Unmarshal(records[0].Payload, &h); err != nil {
		return fmt.Errorf("decode session record: %w", err)
	}
	if want := strings.TrimSuffix(filepath.Base(path), ".wal"); h.ID != want {
		return fmt.Errorf("journal %s holds session %s", want, h.ID)
	}

	s := &Session{ID: h.ID, Definition: h.Definition, CreatedAt: h.CreatedAt}
	if err := m.attach(s); err != nil {
		return err
	}

	s.reporter.muted = true
	var out Replayed
	err = replay(s.runner, records[1:], &out)
	s.reporter.muted = false
	if err != nil {
		s.close()
		return err
	}

	if s.observer != nil {
		s.observer.Sync(s.runner.Status())
	}

	j, err := wal.Open(m.cfg.JournalDir, s.ID)
	if err != nil {
		s.close()
		return err
	}
	s.journal = j

	m.add(s)
	log.Printf("session %s recovered: %d observations replayed, %d rejected", s.ID, out.Observations, out.Rejected)
	return nil
}

// RestoreFile is Restore over a journal path.
func RestoreFile(path string, cfg selection.Config) (*Replayed, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	records, err := wal.Replay(path)
	if err != nil {
		return nil, err
	}
	return Restore(records, cfg)
}
