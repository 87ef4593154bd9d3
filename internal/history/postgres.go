package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fractal-lba/halving/internal/selection"
)

// PostgresStore keeps reports in a single table keyed by (session_id, rung).
//
// Schema:
//
//	CREATE TABLE rung_history (
//	  session_id VARCHAR(64) NOT NULL,
//	  rung INTEGER NOT NULL,
//	  report JSONB NOT NULL,
//	  created_at TIMESTAMP DEFAULT NOW(),
//	  PRIMARY KEY (session_id, rung)
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a pool and checks the connection.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the history table when missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS rung_history (
			session_id VARCHAR(64) NOT NULL,
			rung INTEGER NOT NULL,
			report JSONB NOT NULL,
			created_at TIMESTAMP DEFAULT NOW(),
			PRIMARY KEY (session_id, rung)
		)
	`
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create rung_history: %w", err)
	}
	return nil
}

func (p *PostgresStore) Append(ctx context.Context, sessionID string, report selection.RungReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	query := `
		INSERT INTO rung_history (session_id, rung, report)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, rung) DO NOTHING
	`
	if _, err := p.pool.Exec(ctx, query, sessionID, report.Rung, data); err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}

	return nil
}

func (p *PostgresStore) List(ctx context.Context, sessionID string) ([]selection.RungReport, error) {
	query := `
		SELECT report
		FROM rung_history
		WHERE session_id = $1
		ORDER BY rung
	`

	rows, err := p.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var reports []selection.RungReport
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		var report selection.RungReport
		if err := json.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report: %w", err)
		}
		reports = append(reports, report)
	}

	return reports, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM rung_history WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres delete failed: %w", err)
	}
	return nil
}

// CleanupOlderThan removes reports older than age (for a maintenance job).
func (p *PostgresStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM rung_history WHERE created_at <= $1`, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
