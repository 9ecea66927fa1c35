// Package repository provides PostgreSQL persistence for test history and
// results, plus the redis cache that fronts history lookups.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/regentci/regent/internal/classify"
	"github.com/regentci/regent/internal/scheduler"
	"github.com/regentci/regent/internal/testrun"
)

// HistoryRepository is the statistics source consumed by the scheduler
// and the flaky score refresher.
type HistoryRepository interface {
	GetTestHistory(ctx context.Context, testID string) (*testrun.HistoryData, error)
	RecentRunStatuses(ctx context.Context, testID string, limit int) ([]testrun.RunStatus, error)
	RefreshFlakyScore(ctx context.Context, testID string) (float64, error)
	Close() error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(connectionString string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

// GetTestHistory returns the aggregate statistics row for a test, or nil
// when the test has never run.
func (r *PostgresRepository) GetTestHistory(ctx context.Context, testID string) (*testrun.HistoryData, error) {
	query := `
		SELECT
			test_id, avg_duration_ms, last_pass_rate, run_count,
			last_status, last_run_at, flaky_score, category
		FROM test_history
		WHERE test_id = $1
	`

	var h testrun.HistoryData
	var lastRunAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, testID).Scan(
		&h.TestID,
		&h.AvgDurationMs,
		&h.LastPassRate,
		&h.RunCount,
		&h.LastStatus,
		&lastRunAt,
		&h.FlakyScore,
		&h.Category,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if lastRunAt.Valid {
		h.LastRunAt = lastRunAt.Time
	}

	return &h, nil
}

// RecentRunStatuses returns the most recent run outcomes for a test,
// newest first.
func (r *PostgresRepository) RecentRunStatuses(ctx context.Context, testID string, limit int) ([]testrun.RunStatus, error) {
	query := `
		SELECT status
		FROM test_runs
		WHERE test_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, testID, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var statuses []testrun.RunStatus
	for rows.Next() {
		var s testrun.RunStatus
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}

		statuses = append(statuses, s)
	}

	return statuses, rows.Err()
}

// RefreshFlakyScore recomputes a test's flaky score from its recent run
// outcomes and stores it back on the history row.
func (r *PostgresRepository) RefreshFlakyScore(ctx context.Context, testID string) (float64, error) {
	statuses, err := r.RecentRunStatuses(ctx, testID, 20)
	if err != nil {
		return 0, err
	}

	score := classify.CalculateFlakyScore(statuses)

	query := `
		UPDATE test_history
		SET flaky_score = $1
		WHERE test_id = $2
	`
	if _, err := r.db.ExecContext(ctx, query, score, testID); err != nil {
		return 0, err
	}

	return score, nil
}

// Fetcher adapts the repository to the scheduler's history lookup. Errors
// are logged and treated as missing history so a storage hiccup never
// blocks scheduling.
func (r *PostgresRepository) Fetcher() scheduler.HistoryFetcher {
	return func(testID string) *testrun.HistoryData {
		h, err := r.GetTestHistory(context.Background(), testID)
		if err != nil {
			log.Printf("history lookup failed for %s: %v", testID, err)
			return nil
		}

		return h
	}
}

func (r *PostgresRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
