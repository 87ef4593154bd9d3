package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fractal-lba/halving/internal/history"
	"github.com/fractal-lba/halving/internal/learner"
	"github.com/fractal-lba/halving/internal/metrics"
	"github.com/fractal-lba/halving/internal/selection"
	"github.com/fractal-lba/halving/internal/wal"
)

// Config holds manager parameters.
type Config struct {
	// Capacity bounds the number of live sessions; the least recently used
	// session is evicted when full.
	Capacity int

	// TTL evicts sessions idle for longer (0 means never).
	TTL time.Duration

	// JournalDir enables per-session journals when set.
	JournalDir string

	// Logger receives verbose rung lines. Defaults to log.Default().
	Logger *log.Logger
}

// DefaultConfig returns a manager config with 1024 sessions and a 1h idle TTL.
func DefaultConfig() Config {
	return Config{
		Capacity: 1024,
		TTL:      time.Hour,
	}
}

// Session is one live selection run. Observations are serialized per session.
type Session struct {
	ID         string
	Definition Definition
	CreatedAt  time.Time

	mu       sync.Mutex
	runner   Runner
	journal  *wal.Journal
	observer *metrics.SessionObserver
	reporter *gate
	lastUsed atomic.Int64 // unix nanos
	deleted  atomic.Bool
}

// Status is the API view of a session.
type Status struct {
	ID         string     `json:"id"`
	Task       string     `json:"task"`
	Model      string     `json:"model"`
	CreatedAt  time.Time  `json:"created_at"`
	Definition Definition `json:"definition"`
	selection.Status
}

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastUsed.Load()))
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			log.Printf("session %s: closing journal: %v", s.ID, err)
		}
	}
	if s.observer != nil {
		s.observer.Forget()
	}
}

// gate forwards rung reports and verbose rung lines unless muted. It is
// muted while a session is rebuilt from its journal.
type gate struct {
	muted     bool
	reporters []selection.Reporter
	out       io.Writer
}

func (g *gate) Write(p []byte) (int, error) {
	if g.muted {
		return len(p), nil
	}
	return g.out.Write(p)
}

func (g *gate) ReportRung(r selection.RungReport) {
	if g.muted {
		return
	}
	for _, rep := range g.reporters {
		rep.ReportRung(r)
	}
}

// Manager owns the live sessions.
type Manager struct {
	cfg      Config
	sessions *lru.Cache[string, *Session]
	history  history.Store
	metrics  *metrics.Metrics
	closing  atomic.Bool
}

// NewManager creates a manager. store and m may be nil.
func NewManager(cfg Config, store history.Store, m *metrics.Metrics) (*Manager, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("session capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	mgr := &Manager{cfg: cfg, history: store, metrics: m}

	cache, err := lru.NewWithEvict[string, *Session](cfg.Capacity, mgr.onEvict)
	if err != nil {
		return nil, err
	}
	mgr.sessions = cache

	return mgr, nil
}

func (m *Manager) onEvict(id string, s *Session) {
	s.close()
	if m.closing.Load() {
		return
	}
	if m.metrics != nil {
		if !s.deleted.Load() {
			m.metrics.SessionsEvicted.Inc()
		}
		m.metrics.SessionsActive.Set(float64(m.sessions.Len()))
	}
	if !s.deleted.Load() {
		log.Printf("session %s evicted", id)
	}
}

// Create builds a new session from def.
func (m *Manager) Create(ctx context.Context, def Definition) (*Session, error) {
	def = def.Normalize()
	s := &Session{
		ID:         uuid.NewString(),
		Definition: def,
		CreatedAt:  time.Now().UTC(),
	}

	if err := m.attach(s); err != nil {
		return nil, err
	}

	if m.cfg.JournalDir != "" {
		j, err := wal.Open(m.cfg.JournalDir, s.ID)
		if err != nil {
			s.close()
			return nil, err
		}
		header := Header{ID: s.ID, Definition: def, CreatedAt: s.CreatedAt}
		if err := j.Append(wal.KindSession, header); err != nil {
			j.Remove()
			s.close()
			m.countJournalError()
			return nil, err
		}
		s.journal = j
	}

	m.add(s)
	if m.metrics != nil {
		m.metrics.SessionsCreated.Inc()
	}
	return s, nil
}

// attach builds the runner and reporters of s.
func (m *Manager) attach(s *Session) error {
	g := &gate{out: m.cfg.Logger.Writer()}
	logger := log.New(g, m.cfg.Logger.Prefix(), m.cfg.Logger.Flags())
	cfg := selection.Config{Logger: logger, Reporters: []selection.Reporter{g}}
	r, err := s.Definition.Build(cfg)
	if err != nil {
		return err
	}

	if m.metrics != nil {
		st := r.Status()
		s.observer = m.metrics.ForSession(s.ID, st.Active, st.RungLength)
		g.reporters = append(g.reporters, s.observer)
	}
	if m.history != nil {
		g.reporters = append(g.reporters, history.NewRecorder(m.history, s.ID, m.countHistoryError))
	}

	s.runner = r
	s.reporter = g
	s.touch()
	return nil
}

func (m *Manager) add(s *Session) {
	m.sessions.Add(s.ID, s)
	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(m.sessions.Len()))
	}
}

// Get returns a live session. Idle sessions past the TTL are evicted here.
func (m *Manager) Get(id string) (*Session, error) {
	s, ok := m.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.cfg.TTL > 0 && s.idleSince(time.Now()) > m.cfg.TTL {
		m.sessions.Remove(id)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Delete drops a session together with its journal and history.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, ok := m.sessions.Peek(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.deleted.Store(true)
	m.sessions.Remove(id)

	var errs []error
	if s.journal != nil {
		if err := s.journal.Remove(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.history != nil {
		if err := m.history.Delete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if m.metrics != nil {
		m.metrics.SessionsDeleted.Inc()
	}
	return errors.Join(errs...)
}

// Observe journals and processes observations in order. It stops at the
// first failing observation and reports how many were applied.
func (m *Manager) Observe(ctx context.Context, id string, batch []Observation) (int, error) {
	s, err := m.Get(id)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.touch()

	task := s.runner.Task()
	for i, obs := range batch {
		if err := ctx.Err(); err != nil {
			return i, err
		}

		if s.journal != nil {
			if err := s.journal.Append(wal.KindObservation, obs); err != nil {
				m.countJournalError()
				return i, fmt.Errorf("journal: %w", err)
			}
		}

		start := time.Now()
		err := s.runner.Observe(obs)
		if m.metrics != nil {
			m.metrics.ObserveLatency.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if m.metrics != nil {
				m.metrics.ObservationErrors.WithLabelValues(task).Inc()
			}
			return i, fmt.Errorf("observation %d: %w", i, err)
		}
		if m.metrics != nil {
			m.metrics.Observations.WithLabelValues(task).Inc()
		}
	}

	return len(batch), nil
}

// Predict asks the session's best candidate.
func (m *Manager) Predict(ctx context.Context, id string, x learner.Features) (Prediction, error) {
	s, err := m.Get(id)
	if err != nil {
		return Prediction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.touch()

	p, err := s.runner.Predict(x)
	if err == nil && m.metrics != nil {
		m.metrics.Predictions.WithLabelValues(s.runner.Task()).Inc()
	}
	return p, err
}

// Status returns a snapshot of a session.
func (m *Manager) Status(id string) (Status, error) {
	s, err := m.Get(id)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		ID:         s.ID,
		Task:       s.Definition.Task,
		Model:      s.Definition.Model,
		CreatedAt:  s.CreatedAt,
		Definition: s.Definition,
		Status:     s.runner.Status(),
	}, nil
}

// History returns the recorded rung reports of a session. Sessions that
// are no longer live still have their history.
func (m *Manager) History(ctx context.Context, id string) ([]selection.RungReport, error) {
	if m.history == nil {
		return nil, ErrNoHistory
	}
	return m.history.List(ctx, id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.sessions.Len()
}

// CleanupExpired evicts every idle session past the TTL and returns how
// many were removed. Run it periodically when TTL is enabled.
func (m *Manager) CleanupExpired() int {
	if m.cfg.TTL == 0 {
		return 0
	}

	now := time.Now()
	removed := 0
	for _, id := range m.sessions.Keys() {
		if s, ok := m.sessions.Peek(id); ok && s.idleSince(now) > m.cfg.TTL {
			m.sessions.Remove(id)
			removed++
		}
	}
	return removed
}

// Close evicts all sessions, closing their journals.
func (m *Manager) Close() error {
	m.closing.Store(true)
	m.sessions.Purge()
	return nil
}

func (m *Manager) countJournalError() {
	if m.metrics != nil {
		m.metrics.JournalErrors.Inc()
	}
}

func (m *Manager) countHistoryError(error) {
	if m.metrics != nil {
		m.metrics.HistoryErrors.Inc()
	}
}
